package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/config"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/logging"
)

// statusError is a non-2xx response from the audit endpoint.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

// retryable reports whether the endpoint might accept the event later.
func (e *statusError) retryable() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests
}

// HTTPEmitter sends audit events to an HTTP endpoint.
type HTTPEmitter struct {
	cfg    config.AuditConfig
	client *http.Client
	heads  *Heads
	backup *FileBackup
	log    *slog.Logger

	initialInterval time.Duration
}

// NewHTTPEmitter creates a new HTTP emitter.
func NewHTTPEmitter(cfg config.AuditConfig) (*HTTPEmitter, error) {
	heads, err := OpenHeads(cfg.BackupDir)
	if err != nil {
		return nil, err
	}

	backup, err := NewFileBackup(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &HTTPEmitter{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		heads:           heads,
		backup:          backup,
		log:             logging.Component("audit"),
		initialInterval: time.Second,
	}, nil
}

// Emit sends an event to the configured endpoint. The file backup is
// written first and kept even when every POST fails.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *Event) error {
	chainKey := evt.Transfer.ChainKey()

	prev, err := e.heads.Get(chainKey)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}
	evt.stamp(prev)

	e.log.Info("emitting event",
		"chain", chainKey,
		"seq", evt.Chain.Seq,
		"run_id", evt.Transfer.RunID,
		"prev_hash", prev.EventHash,
		"event_hash", evt.Chain.EventHash,
	)

	if err := e.backup.Save(evt); err != nil {
		e.log.Warn("backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, evt); err != nil {
		return fmt.Errorf("audit emit failed: %w", err)
	}

	if err := e.heads.Advance(chainKey, evt); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

// postWithRetry posts with exponential backoff. Client errors other than
// 429 are not retried.
func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxRetries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := e.post(ctx, body)
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		e.log.Warn("post failed, retrying", "attempt", attempt, "retry_in", next, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("after %d attempts: %w", attempt, err)
	}
	return nil
}

// post sends a single POST request to the audit endpoint.
func (e *HTTPEmitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.log.Debug("event posted", "endpoint", e.cfg.Endpoint, "status", resp.StatusCode)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &statusError{code: resp.StatusCode, body: string(respBody)}
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
