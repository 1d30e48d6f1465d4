package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 16384, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 128*time.Millisecond, cfg.Pipeline.PollInterval)
	assert.Equal(t, "latch", cfg.Pipeline.WriteFailure)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, `
logging:
  format: json
  level: debug
pipeline:
  chunk_size: 4096
  poll_interval: 50ms
  write_failure: skip
storage:
  backend: s3
  bucket: archive
  prefix: copies/
output:
  keep_partial: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 4096, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Pipeline.PollInterval)
	assert.Equal(t, "skip", cfg.Pipeline.WriteFailure)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "archive", cfg.Storage.Bucket)
	assert.True(t, cfg.Output.KeepPartial)
	assert.True(t, cfg.Output.WriteIndex, "unset keys keep their defaults")
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "pipeline:\n  chunk_size: 4096\n")
	t.Setenv("CHUNK_SIZE", "1024")
	t.Setenv("CHUNK_COPIER_OUTPUT_ALLOW_OVERWRITE", "true")
	t.Setenv("POLL_INTERVAL", "1s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Pipeline.ChunkSize)
	assert.True(t, cfg.Output.AllowOverwrite)
	assert.Equal(t, time.Second, cfg.Pipeline.PollInterval)
}

func TestLoad_PrefixedWinsOverBare(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "100")
	t.Setenv("CHUNK_COPIER_PIPELINE_CHUNK_SIZE", "200")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Pipeline.ChunkSize)
}

func TestLoad_UnknownYAMLKey(t *testing.T) {
	path := writeConfig(t, "pipeline:\n  chunk_sise: 10\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "lots")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk size", func(c *Config) { c.Pipeline.ChunkSize = 0 }},
		{"unbounded queue", func(c *Config) { c.Pipeline.MaxQueuedBlocks = 0 }},
		{"negative bytes", func(c *Config) { c.Pipeline.MaxQueuedBytes = -1 }},
		{"zero poll", func(c *Config) { c.Pipeline.PollInterval = 0 }},
		{"bad write policy", func(c *Config) { c.Pipeline.WriteFailure = "retry" }},
		{"no workers", func(c *Config) { c.Pipeline.TransformWorkers = 0 }},
		{"bad level", func(c *Config) { c.Pipeline.CompressionLevel = "max" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"unknown source", func(c *Config) { c.Source.Backend = "ftp" }},
		{"bucket missing", func(c *Config) { c.Storage.Backend = "gcs" }},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Address = "" }},
		{"report without dir", func(c *Config) { c.Report.Dir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestValidate_ByteLimitAlone(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.MaxQueuedBlocks = 0
	cfg.Pipeline.MaxQueuedBytes = 1 << 20
	assert.NoError(t, cfg.Validate())
}
