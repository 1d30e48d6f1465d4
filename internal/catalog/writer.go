// Package catalog records every run in an optional PostgreSQL catalog.
package catalog

import (
	"context"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/config"
)

// Run is one catalog row.
type Run struct {
	RunID           string
	Mode            string
	SourceURI       string
	TargetURI       string
	Outcome         string
	ErrorMessage    string
	ChunkSize       int
	Blocks          int64
	BytesIn         int64
	BytesOut        int64
	FramesSkipped   int64
	SHA256          string
	ProducerVersion string
	ProducerGitSHA  string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Writer persists runs.
type Writer interface {
	RecordRun(ctx context.Context, run Run) error
	// LastRun returns the newest run for targetURI, or nil if none exists.
	LastRun(ctx context.Context, targetURI string) (*Run, error)
	Close() error
}

// NewWriter connects to PostgreSQL when a DSN is configured and returns a
// no-op writer otherwise.
func NewWriter(cfg config.CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(cfg)
}

type noopWriter struct{}

func (noopWriter) RecordRun(context.Context, Run) error { return nil }

func (noopWriter) LastRun(context.Context, string) (*Run, error) { return nil, nil }

func (noopWriter) Close() error { return nil }
