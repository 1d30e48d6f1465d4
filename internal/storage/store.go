// Package storage writes run output with temp-then-commit semantics.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// PartialSuffix is appended to the key of output kept after a failed run.
const PartialSuffix = ".partial"

// ErrTargetClosed is returned when a target is used after Commit or Abort.
var ErrTargetClosed = errors.New("target already committed or aborted")

// Target is an output being written. Nothing is visible under Key until
// Commit succeeds.
type Target interface {
	io.Writer

	// Key is the final key the target commits to.
	Key() string

	// Commit publishes the written bytes under Key.
	Commit(ctx context.Context) error

	// Abort discards the written bytes, or keeps them under
	// Key+PartialSuffix when keepPartial is set.
	Abort(ctx context.Context, keepPartial bool) error
}

// Sink creates targets and small objects on a storage backend.
type Sink interface {
	// Create opens a new temporary target for key.
	Create(ctx context.Context, key string) (Target, error)

	// WriteObject writes a small object atomically.
	WriteObject(ctx context.Context, key string, data []byte) error

	// Exists checks if an object already exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // MD5 for S3/GCS, empty for local
	ModTime time.Time
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3"

	// Local filesystem
	LocalDir string

	// GCS or S3 (also works for B2, R2, MinIO)
	Bucket     string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Common
	Prefix string
}

// NewSink creates a storage backend based on configuration.
func NewSink(cfg StorageConfig) (Sink, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalSink(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs backend")
		}
		return NewGCSSink(cfg.Bucket, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 backend")
		}
		return NewS3Sink(cfg.Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func tempKey(key string) string {
	return key + ".tmp." + uuid.NewString()
}
