package catalog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/config"
)

func TestNewWriter_NoDSN(t *testing.T) {
	w, err := NewWriter(config.CatalogConfig{})
	require.NoError(t, err)
	defer w.Close()

	assert.NoError(t, w.RecordRun(context.Background(), Run{RunID: "r"}))
	run, err := w.LastRun(context.Background(), "file:///x")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestNewWriter_BadDSN(t *testing.T) {
	_, err := NewWriter(config.CatalogConfig{PostgresDSN: "postgres://localhost:notaport/db"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse DSN")
}

func TestRunArgs(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	args := runArgs("prod", Run{
		RunID:      "r1",
		Mode:       "copy",
		Outcome:    "success",
		ChunkSize:  16384,
		SHA256:     "abc",
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	})

	require.Len(t, args, strings.Count(schemaColumns(), ",")+1)
	assert.Equal(t, "prod", args[1])
	assert.Nil(t, args[6], "empty error message is NULL")
	require.IsType(t, (*string)(nil), args[12])
	assert.Equal(t, "abc", *args[12].(*string))
}

// schemaColumns lists the columns RecordRun writes.
func schemaColumns() string {
	return "run_id, namespace, mode, source_uri, target_uri, outcome, error_message, " +
		"chunk_size, blocks, bytes_in, bytes_out, frames_skipped, sha256, " +
		"producer_version, producer_git_sha, started_at, finished_at"
}

func TestSchemaEmbedded(t *testing.T) {
	assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS _runs")
	for _, col := range strings.Split(schemaColumns(), ", ") {
		assert.Contains(t, schemaSQL, col)
	}
}

func TestNamespaceOrDefault(t *testing.T) {
	assert.Equal(t, "default", namespaceOrDefault(""))
	assert.Equal(t, "prod", namespaceOrDefault("prod"))
}
