// Package config loads the copier configuration from defaults, an optional
// YAML file and the environment, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment key. Keys also resolve without it,
// for example CHUNK_SIZE as well as CHUNK_COPIER_PIPELINE_CHUNK_SIZE.
const EnvPrefix = "CHUNK_COPIER"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Source   SourceConfig   `yaml:"source"`
	Storage  StorageConfig  `yaml:"storage"`
	Output   OutputConfig   `yaml:"output"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Report   ReportConfig   `yaml:"report"`
	Audit    AuditConfig    `yaml:"audit"`
	Catalog  CatalogConfig  `yaml:"catalog"`
}

type LoggingConfig struct {
	Format string `yaml:"format" envconfig:"LOG_FORMAT"` // "json" | "text"
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
}

type PipelineConfig struct {
	ChunkSize        int           `yaml:"chunk_size" envconfig:"CHUNK_SIZE"`
	MaxQueuedBlocks  int           `yaml:"max_queued_blocks" envconfig:"MAX_QUEUED_BLOCKS"`
	MaxQueuedBytes   int64         `yaml:"max_queued_bytes" envconfig:"MAX_QUEUED_BYTES"` // 0 = unlimited
	PollInterval     time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	WriteFailure     string        `yaml:"write_failure" envconfig:"WRITE_FAILURE"` // "latch" | "skip"
	TransformWorkers int           `yaml:"transform_workers" envconfig:"TRANSFORM_WORKERS"`
	MaxFrameLength   int           `yaml:"max_frame_length" envconfig:"MAX_FRAME_LENGTH"`
	CompressionLevel string        `yaml:"compression_level" envconfig:"COMPRESSION_LEVEL"`
}

type SourceConfig struct {
	Backend    string `yaml:"backend" envconfig:"SOURCE_BACKEND"` // "local" | "gcs" | "s3"
	LocalDir   string `yaml:"local_dir" envconfig:"SOURCE_DIR"`
	Bucket     string `yaml:"bucket" envconfig:"SOURCE_BUCKET"`
	Prefix     string `yaml:"prefix" envconfig:"SOURCE_PREFIX"`
	S3Endpoint string `yaml:"s3_endpoint" envconfig:"SOURCE_S3_ENDPOINT"`
	S3Region   string `yaml:"s3_region" envconfig:"SOURCE_S3_REGION"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend" envconfig:"STORAGE_BACKEND"` // "local" | "gcs" | "s3"
	LocalDir   string `yaml:"local_dir" envconfig:"STORAGE_DIR"`
	Bucket     string `yaml:"bucket" envconfig:"STORAGE_BUCKET"`
	Prefix     string `yaml:"prefix" envconfig:"STORAGE_PREFIX"`
	S3Endpoint string `yaml:"s3_endpoint" envconfig:"STORAGE_S3_ENDPOINT"`
	S3Region   string `yaml:"s3_region" envconfig:"STORAGE_S3_REGION"`
}

type OutputConfig struct {
	AllowOverwrite bool `yaml:"allow_overwrite" envconfig:"ALLOW_OVERWRITE"`
	KeepPartial    bool `yaml:"keep_partial" envconfig:"KEEP_PARTIAL"`
	WriteIndex     bool `yaml:"write_index" envconfig:"WRITE_INDEX"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"METRICS_ENABLED"`
	Address   string `yaml:"address" envconfig:"METRICS_ADDR"`
	Namespace string `yaml:"namespace" envconfig:"METRICS_NAMESPACE"`
}

type ReportConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"REPORT_ENABLED"`
	Dir     string `yaml:"dir" envconfig:"REPORT_DIR"`
}

type AuditConfig struct {
	Enabled    bool   `yaml:"enabled" envconfig:"AUDIT_ENABLED"`
	Endpoint   string `yaml:"endpoint" envconfig:"AUDIT_ENDPOINT"`
	BackupDir  string `yaml:"backup_dir" envconfig:"AUDIT_BACKUP_DIR"`
	MaxRetries int    `yaml:"max_retries" envconfig:"AUDIT_MAX_RETRIES"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn" envconfig:"CATALOG_DSN"`
	Namespace   string `yaml:"namespace" envconfig:"CATALOG_NAMESPACE"`
}

// Default returns a complete configuration for a local copy.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Pipeline: PipelineConfig{
			ChunkSize:        16 * 1024,
			MaxQueuedBlocks:  runtime.NumCPU() * 4,
			PollInterval:     128 * time.Millisecond,
			WriteFailure:     "latch",
			TransformWorkers: runtime.NumCPU(),
			MaxFrameLength:   64 << 20,
			CompressionLevel: "default",
		},
		Source: SourceConfig{
			Backend: "local",
		},
		Storage: StorageConfig{
			Backend: "local",
		},
		Output: OutputConfig{
			WriteIndex: true,
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "chunk_copier",
		},
		Report: ReportConfig{
			Enabled: true,
			Dir:     "./state/reports",
		},
		Audit: AuditConfig{
			BackupDir:  "./state/audit",
			MaxRetries: 3,
		},
		Catalog: CatalogConfig{
			Namespace: "default",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if !oneOf(c.Logging.Format, "json", "text") {
		invalid("log format %q must be json or text", c.Logging.Format)
	}
	if !oneOf(c.Logging.Level, "debug", "info", "warn", "warning", "error") {
		invalid("log level %q is not recognized", c.Logging.Level)
	}

	p := c.Pipeline
	if p.ChunkSize < 1 {
		invalid("chunk_size must be >= 1, got %d", p.ChunkSize)
	}
	if p.MaxQueuedBlocks < 0 || p.MaxQueuedBytes < 0 {
		invalid("queue limits must not be negative")
	}
	if p.MaxQueuedBlocks == 0 && p.MaxQueuedBytes == 0 {
		invalid("at least one of max_queued_blocks or max_queued_bytes must be set")
	}
	if p.PollInterval <= 0 {
		invalid("poll_interval must be positive, got %s", p.PollInterval)
	}
	if !oneOf(p.WriteFailure, "latch", "skip") {
		invalid("write_failure %q must be latch or skip", p.WriteFailure)
	}
	if p.TransformWorkers < 1 {
		invalid("transform_workers must be >= 1, got %d", p.TransformWorkers)
	}
	if p.MaxFrameLength < 1 {
		invalid("max_frame_length must be >= 1, got %d", p.MaxFrameLength)
	}
	if !oneOf(p.CompressionLevel, "fastest", "default", "better", "best") {
		invalid("compression_level %q must be fastest, default, better or best", p.CompressionLevel)
	}

	if !oneOf(c.Source.Backend, "local", "gcs", "s3") {
		invalid("source backend %q is not supported", c.Source.Backend)
	} else if c.Source.Backend != "local" && c.Source.Bucket == "" {
		invalid("source bucket required for %s backend", c.Source.Backend)
	}
	if !oneOf(c.Storage.Backend, "local", "gcs", "s3") {
		invalid("storage backend %q is not supported", c.Storage.Backend)
	} else if c.Storage.Backend != "local" && c.Storage.Bucket == "" {
		invalid("storage bucket required for %s backend", c.Storage.Backend)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		invalid("metrics address required when metrics are enabled")
	}
	if c.Report.Enabled && c.Report.Dir == "" {
		invalid("report dir required when reports are enabled")
	}
	if c.Audit.Enabled && c.Audit.BackupDir == "" {
		invalid("audit backup dir required when audit is enabled")
	}
	if c.Audit.MaxRetries < 0 {
		invalid("audit max_retries must not be negative")
	}

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
