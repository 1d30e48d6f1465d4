package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalSource reads objects from the local filesystem.
type LocalSource struct {
	basePath string
}

// NewLocalSource creates a new local filesystem source. An empty basePath
// resolves keys against the working directory.
func NewLocalSource(basePath string) (*LocalSource, error) {
	if basePath != "" {
		info, err := os.Stat(basePath)
		if err != nil {
			return nil, fmt.Errorf("invalid local path %s: %w", basePath, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("local path %s is not a directory", basePath)
		}
	}
	return &LocalSource{basePath: basePath}, nil
}

// Open implements Source.Open for local files.
func (s *LocalSource) Open(ctx context.Context, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.path(key)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Object{Body: f, Size: info.Size(), URI: "file://" + abs}, nil
}

func (s *LocalSource) path(key string) string {
	if s.basePath == "" || filepath.IsAbs(key) {
		return key
	}
	return filepath.Join(s.basePath, key)
}

// Close is a no-op for local sources.
func (s *LocalSource) Close() error {
	return nil
}
