package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// LocalSink writes targets to the local filesystem.
type LocalSink struct {
	baseDir string
	prefix  string
}

// NewLocalSink creates a new local filesystem sink. An empty baseDir
// resolves keys against the working directory.
func NewLocalSink(baseDir, prefix string) (*LocalSink, error) {
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0755); err != nil {
			return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
		}
	}
	return &LocalSink{baseDir: baseDir, prefix: prefix}, nil
}

func (s *LocalSink) path(key string) string {
	key = s.prefix + key
	if s.baseDir == "" || filepath.IsAbs(key) {
		return key
	}
	return filepath.Join(s.baseDir, key)
}

// Create opens a temp file next to the final path.
func (s *LocalSink) Create(ctx context.Context, key string) (Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := tempKey(path)
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create temp file %s: %w", tempPath, err)
	}

	return &localTarget{key: key, path: path, tempPath: tempPath, f: f}, nil
}

// WriteObject writes data atomically using temp file + rename.
func (s *LocalSink) WriteObject(ctx context.Context, key string, data []byte) error {
	path := s.path(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}

	return nil
}

// Exists checks if an object already exists.
func (s *LocalSink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Head returns metadata about a stored file.
func (s *LocalSink) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// URI returns the canonical URI for the given key.
func (s *LocalSink) URI(key string) string {
	absPath, err := filepath.Abs(s.path(key))
	if err != nil {
		absPath = s.path(key)
	}
	return "file://" + absPath
}

// Close is a no-op for local storage.
func (s *LocalSink) Close() error {
	return nil
}

type localTarget struct {
	key      string
	path     string
	tempPath string

	mu   sync.Mutex
	f    *os.File
	done bool
}

func (t *localTarget) Key() string { return t.key }

func (t *localTarget) Write(p []byte) (int, error) {
	if t.done {
		return 0, ErrTargetClosed
	}
	return t.f.Write(p)
}

// Commit flushes the temp file to disk and renames it into place.
func (t *localTarget) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTargetClosed
	}
	t.done = true

	if err := t.f.Sync(); err != nil {
		t.f.Close()
		os.Remove(t.tempPath)
		return fmt.Errorf("sync %s: %w", t.tempPath, err)
	}
	if err := t.f.Close(); err != nil {
		os.Remove(t.tempPath)
		return fmt.Errorf("close %s: %w", t.tempPath, err)
	}
	if err := os.Rename(t.tempPath, t.path); err != nil {
		os.Remove(t.tempPath)
		return fmt.Errorf("rename %s to %s: %w", t.tempPath, t.path, err)
	}
	return nil
}

// Abort removes the temp file or keeps it as a partial file.
func (t *localTarget) Abort(ctx context.Context, keepPartial bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true

	t.f.Close()
	if keepPartial {
		partial := t.path + PartialSuffix
		if err := os.Rename(t.tempPath, partial); err != nil {
			return fmt.Errorf("rename %s to %s: %w", t.tempPath, partial, err)
		}
		return nil
	}
	if err := os.Remove(t.tempPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", t.tempPath, err)
	}
	return nil
}
