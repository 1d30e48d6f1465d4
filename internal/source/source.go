// Package source opens the byte stream a run copies from.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidSourceBackend = errors.New("invalid source backend")

	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("source object not found")
)

// Object is an open source stream of known size.
type Object struct {
	Body io.ReadCloser
	Size int64
	URI  string
}

// Source opens objects by key.
type Source interface {
	Open(ctx context.Context, key string) (*Object, error)
	Close() error
}

// SourceConfig configures the source backend.
type SourceConfig struct {
	Backend string // "local" | "gcs" | "s3"

	// Local filesystem; keys are relative to LocalDir unless absolute
	LocalDir string

	// GCS or S3 (also works for B2, R2, MinIO)
	Bucket     string
	S3Endpoint string
	S3Region   string

	Prefix string
}

// NewSource constructs a source based on the configured backend.
func NewSource(cfg SourceConfig) (Source, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalSource(cfg.LocalDir)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs source")
		}
		return NewGCSSource(cfg.Bucket, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 source")
		}
		return NewS3Source(cfg.Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidSourceBackend, cfg.Backend)
	}
}
