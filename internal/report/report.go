// Package report persists the outcome of the last run for each target.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNoReport is returned when no report exists for a target.
	ErrNoReport = errors.New("no report found")
)

// Report describes one finished run.
type Report struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	SourceURI  string    `json:"source_uri"`
	TargetKey  string    `json:"target_key"`
	TargetURI  string    `json:"target_uri"`
	IndexURI   string    `json:"index_uri,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	ChunkSize  int       `json:"chunk_size"`
	Blocks     int64     `json:"blocks"`
	BytesIn    int64     `json:"bytes_in"`
	BytesOut   int64     `json:"bytes_out"`
	Skipped    int64     `json:"frames_skipped,omitempty"`
	SHA256     string    `json:"sha256,omitempty"`
	Version    string    `json:"version,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Manager handles report persistence and retrieval.
type Manager interface {
	// Load reads the last report for a target key.
	Load(ctx context.Context, target string) (*Report, error)

	// Save persists a report, replacing the previous one for its target.
	Save(ctx context.Context, r *Report) error
}

// Config configures the report manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for report files
}

// NewManager creates a report manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create report directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists reports to local files.
type fileManager struct {
	dir string
}

// reportPath returns the path to the report file for a target key.
func (m *fileManager) reportPath(target string) string {
	return filepath.Join(m.dir, fmt.Sprintf("report_%s.json", sanitize(target)))
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, strings.TrimLeft(key, "/"))
}

// Load reads the report from file.
func (m *fileManager) Load(ctx context.Context, target string) (*Report, error) {
	data, err := os.ReadFile(m.reportPath(target))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoReport
		}
		return nil, fmt.Errorf("read report file: %w", err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report file: %w", err)
	}

	return &r, nil
}

// Save persists the report to file.
func (m *fileManager) Save(ctx context.Context, r *Report) error {
	path := m.reportPath(r.TargetKey)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write report temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename report file: %w", err)
	}

	return nil
}

// noopManager is used when reports are disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, target string) (*Report, error) {
	return nil, ErrNoReport
}

func (m *noopManager) Save(ctx context.Context, r *Report) error {
	return nil
}
