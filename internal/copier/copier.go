// Package copier runs one transfer: it opens the source, streams it through a
// pipeline into a temporary target, and publishes the result.
package copier

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/audit"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/catalog"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/codec"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/config"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/index"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/metrics"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/pipeline"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/report"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/source"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/storage"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

const producerName = "chunk-copier"

var (
	// ErrTargetExists is returned when the target exists and overwriting is off.
	ErrTargetExists = errors.New("target already exists")

	// ErrFramesSkipped fails a run whose writer skipped frames.
	ErrFramesSkipped = errors.New("frames skipped")

	// ErrValidation is returned when a finished run fails validation.
	ErrValidation = errors.New("run validation failed")
)

// targetBufferSize batches small frames into larger target writes.
const targetBufferSize = 256 << 10

// Copier runs jobs against one source and one sink.
type Copier struct {
	cfg     config.Config
	src     source.Source
	sink    storage.Sink
	reports report.Manager
	catalog catalog.Writer
	audit   audit.Emitter
	log     *slog.Logger
}

// New creates a Copier. Report, catalog and audit backends come from cfg;
// when one cannot be created it is disabled with a warning.
func New(cfg config.Config, src source.Source, sink storage.Sink) *Copier {
	log := logging.Component("copier")

	reports, err := report.NewManager(report.Config{
		Enabled: cfg.Report.Enabled,
		Dir:     cfg.Report.Dir,
	})
	if err != nil {
		log.Warn("failed to create report manager", "error", err)
		reports = nil
	}

	cat, err := catalog.NewWriter(cfg.Catalog)
	if err != nil {
		log.Warn("failed to connect catalog", "error", err)
		cat = nil
	}

	return &Copier{
		cfg:     cfg,
		src:     src,
		sink:    sink,
		reports: reports,
		catalog: cat,
		audit:   audit.NewEmitter(cfg.Audit),
		log:     log,
	}
}

// Close releases the catalog and audit emitter. Source and sink belong to
// the caller.
func (c *Copier) Close() error {
	var errs []error
	if c.catalog != nil {
		errs = append(errs, c.catalog.Close())
	}
	if c.audit != nil {
		errs = append(errs, c.audit.Close())
	}
	return errors.Join(errs...)
}

// Run executes job. The returned summary is non-nil whenever the pipeline
// started; err is nil only when the target was committed.
func (c *Copier) Run(ctx context.Context, job Job) (*Summary, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	log := logging.RunLogger(ctx, job.Mode.String(), job.Source, job.Target)

	if !c.cfg.Output.AllowOverwrite {
		exists, err := c.sink.Exists(ctx, job.Target)
		if err != nil {
			return nil, fmt.Errorf("check target %s: %w", job.Target, err)
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrTargetExists, c.sink.URI(job.Target))
		}
	}

	obj, err := c.src.Open(ctx, job.Source)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer obj.Body.Close()

	pcfg, cleanup, err := c.pipelineConfig(job.Mode)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	target, err := c.sink.Create(ctx, job.Target)
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}

	summary := &Summary{
		RunID:      runID,
		Mode:       job.Mode,
		SourceURI:  obj.URI,
		TargetURI:  c.sink.URI(job.Target),
		ChunkSize:  c.cfg.Pipeline.ChunkSize,
		SourceSize: obj.Size,
		StartedAt:  time.Now().UTC(),
	}
	log.Info("run started", "run_id", runID, "bytes", obj.Size, "target_uri", summary.TargetURI)

	hasher := sha256.New()
	out := bufio.NewWriterSize(io.MultiWriter(target, hasher), targetBufferSize)
	frames := index.NewBuilder()

	p := pipeline.New(pcfg, obj.Body, obj.Size, out, pipeline.Hooks{
		OnWritten:  frames.Add,
		OnProgress: job.Progress,
	})
	res := p.Run(ctx)
	summary.Stats = p.Stats()

	runErr := c.settle(res, out, summary, frames.Entries())
	if runErr == nil {
		summary.SHA256 = hex.EncodeToString(hasher.Sum(nil))
	}

	// Publishing must finish even when ctx is what stopped the run.
	pubCtx := context.WithoutCancel(ctx)
	runErr = c.publish(pubCtx, log, job, target, frames, summary, runErr)

	if m := metrics.Get(); m != nil {
		m.ObserveRun(metrics.Labels{Mode: job.Mode.String(), Outcome: summary.Outcome}, summary.Duration().Seconds())
	}

	if runErr != nil {
		log.Error("run failed", "outcome", summary.Outcome, "error", runErr)
		return summary, runErr
	}
	log.Info("run completed",
		"blocks", summary.Stats.BlocksWritten,
		"bytes_in", summary.Stats.BytesRead,
		"bytes_out", summary.Stats.BytesWritten,
		"sha256", summary.SHA256,
		"duration_ms", summary.Duration().Milliseconds(),
	)
	return summary, nil
}

// settle turns the pipeline result into the run error and sets the outcome.
func (c *Copier) settle(res pipeline.Result, out *bufio.Writer, summary *Summary, entries []index.Entry) error {
	if !res.IsSuccess() && c.cfg.Output.KeepPartial {
		// The partial target keeps everything written so far.
		out.Flush()
	}

	switch {
	case res.IsCanceled():
		summary.Outcome = pipeline.OutcomeCanceled.String()
		err := res.Err()
		if !errors.Is(err, pipeline.ErrCanceled) {
			err = fmt.Errorf("%w: %w", pipeline.ErrCanceled, err)
		}
		return err
	case !res.IsSuccess():
		summary.Outcome = pipeline.OutcomeFailed.String()
		return res.Err()
	}

	summary.Outcome = pipeline.OutcomeFailed.String()
	if err := out.Flush(); err != nil {
		return fmt.Errorf("flush target: %w", err)
	}
	if n := summary.Stats.FramesSkipped; n > 0 {
		return fmt.Errorf("%w: %d of %d", ErrFramesSkipped, n, summary.Stats.BlocksRead)
	}
	if v := ValidateRun(summary.Stats, summary.SourceSize, entries); !v.Passed {
		return fmt.Errorf("%w: %v", ErrValidation, v.Errors)
	}
	summary.Outcome = pipeline.OutcomeSuccess.String()
	return nil
}

// pipelineConfig builds the pipeline for mode. cleanup releases the codec.
func (c *Copier) pipelineConfig(mode Mode) (pipeline.Config, func(), error) {
	pc := c.cfg.Pipeline
	policy, err := pipeline.ParseWriteFailurePolicy(pc.WriteFailure)
	if err != nil {
		return pipeline.Config{}, nil, err
	}

	cfg := pipeline.Config{
		Name:      mode.String(),
		ChunkSize: pc.ChunkSize,
		Threshold: pipeline.Threshold{
			MaxBlocks: pc.MaxQueuedBlocks,
			MaxBytes:  pc.MaxQueuedBytes,
		},
		PollInterval:     pc.PollInterval,
		MaxFrameLength:   pc.MaxFrameLength,
		WriteFailure:     policy,
		TransformWorkers: pc.TransformWorkers,
	}
	cleanup := func() {}

	switch mode {
	case ModeCopy:
		cfg.FramedOutput = true

	case ModeCompress:
		level, err := codec.ParseLevel(pc.CompressionLevel)
		if err != nil {
			return pipeline.Config{}, nil, err
		}
		comp, err := codec.NewCompressor(level, pc.TransformWorkers)
		if err != nil {
			return pipeline.Config{}, nil, err
		}
		cfg.Transform = comp
		cfg.FramedOutput = true
		cleanup = func() { comp.Close() }

	case ModeDecompress:
		dec, err := codec.NewDecompressor(pc.MaxFrameLength, pc.TransformWorkers)
		if err != nil {
			return pipeline.Config{}, nil, err
		}
		cfg.Transform = dec
		cfg.FramedInput = true
		cleanup = dec.Close

	default:
		return pipeline.Config{}, nil, fmt.Errorf("unknown mode %q", mode)
	}

	return cfg, cleanup, nil
}

// LastRun returns the last report saved for a target key and, when a catalog
// is configured, the newest catalog row for the target's URI. It returns
// report.ErrNoReport when neither exists.
func (c *Copier) LastRun(ctx context.Context, target string) (*report.Report, *catalog.Run, error) {
	var rep *report.Report
	if c.reports != nil {
		r, err := c.reports.Load(ctx, target)
		if err != nil && !errors.Is(err, report.ErrNoReport) {
			return nil, nil, err
		}
		rep = r
	}

	var row *catalog.Run
	if c.catalog != nil {
		r, err := c.catalog.LastRun(ctx, c.sink.URI(target))
		if err != nil {
			c.log.Warn("catalog lookup failed", "target", target, "error", err)
		}
		row = r
	}

	if rep == nil && row == nil {
		return nil, nil, report.ErrNoReport
	}
	return rep, row, nil
}

// VerifyAudit re-checks the backed up audit chain of target. It returns the
// chain length, zero when auditing is off.
func (c *Copier) VerifyAudit(target string) (int, error) {
	if !c.cfg.Audit.Enabled {
		return 0, nil
	}
	return audit.VerifyBackups(c.cfg.Audit.BackupDir, c.sink.URI(target))
}
