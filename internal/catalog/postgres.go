package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/config"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool      *pgxpool.Pool
	namespace string
	log       *slog.Logger
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(cfg config.CatalogConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 2
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool:      pool,
		namespace: namespaceOrDefault(cfg.Namespace),
		log:       logging.Component("catalog"),
	}

	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog", "namespace", w.namespace)
	return w, nil
}

func namespaceOrDefault(ns string) string {
	if ns == "" {
		return "default"
	}
	return ns
}

// initSchema creates the _runs table if it doesn't exist.
func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// RecordRun inserts a run. Re-recording a run ID replaces its outcome.
func (w *PostgresWriter) RecordRun(ctx context.Context, run Run) error {
	query := `
		INSERT INTO _runs (
			run_id, namespace, mode, source_uri, target_uri, outcome, error_message,
			chunk_size, blocks, bytes_in, bytes_out, frames_skipped, sha256,
			producer_version, producer_git_sha, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (run_id)
		DO UPDATE SET
			outcome = EXCLUDED.outcome,
			error_message = EXCLUDED.error_message,
			blocks = EXCLUDED.blocks,
			bytes_in = EXCLUDED.bytes_in,
			bytes_out = EXCLUDED.bytes_out,
			frames_skipped = EXCLUDED.frames_skipped,
			sha256 = EXCLUDED.sha256,
			finished_at = EXCLUDED.finished_at
	`

	_, err := w.pool.Exec(ctx, query, runArgs(w.namespace, run)...)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	w.log.Debug("recorded run", "run_id", run.RunID, "outcome", run.Outcome)
	return nil
}

func runArgs(namespace string, run Run) []any {
	return []any{
		run.RunID,
		namespace,
		run.Mode,
		run.SourceURI,
		run.TargetURI,
		run.Outcome,
		nullable(run.ErrorMessage),
		run.ChunkSize,
		run.Blocks,
		run.BytesIn,
		run.BytesOut,
		run.FramesSkipped,
		nullable(run.SHA256),
		run.ProducerVersion,
		nullable(run.ProducerGitSHA),
		run.StartedAt,
		run.FinishedAt,
	}
}

// nullable maps "" to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// LastRun returns the most recent run recorded for a target.
func (w *PostgresWriter) LastRun(ctx context.Context, targetURI string) (*Run, error) {
	query := `
		SELECT run_id, mode, source_uri, target_uri, outcome, COALESCE(error_message, ''),
		       chunk_size, blocks, bytes_in, bytes_out, frames_skipped, COALESCE(sha256, ''),
		       producer_version, COALESCE(producer_git_sha, ''), started_at, finished_at
		FROM _runs
		WHERE namespace = $1 AND target_uri = $2
		ORDER BY finished_at DESC
		LIMIT 1
	`

	var run Run
	err := w.pool.QueryRow(ctx, query, w.namespace, targetURI).Scan(
		&run.RunID, &run.Mode, &run.SourceURI, &run.TargetURI, &run.Outcome, &run.ErrorMessage,
		&run.ChunkSize, &run.Blocks, &run.BytesIn, &run.BytesOut, &run.FramesSkipped, &run.SHA256,
		&run.ProducerVersion, &run.ProducerGitSHA, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last run: %w", err)
	}
	return &run, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
