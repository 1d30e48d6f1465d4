package copier

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/audit"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/catalog"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/index"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/pipeline"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/report"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/storage"
)

// publish is the lifecycle after the pipeline stops.
//
// The order of operations must not be changed:
//  1. Commit the target, or abort it (keeping it as .partial if configured)
//  2. Write the frame index (committed targets only)
//  3. Save the run report
//  4. Record the run in the catalog
//  5. Emit the audit event (committed targets only, must be last)
//
// Steps 2-5 never change the outcome; their failures are logged.
func (c *Copier) publish(ctx context.Context, log *slog.Logger, job Job, target storage.Target,
	frames *index.Builder, summary *Summary, runErr error) error {

	if runErr == nil {
		if err := target.Commit(ctx); err != nil {
			runErr = fmt.Errorf("commit target: %w", err)
			summary.Outcome = pipeline.OutcomeFailed.String()
			summary.SHA256 = ""
		}
	}
	if runErr != nil {
		keep := c.cfg.Output.KeepPartial
		if err := target.Abort(ctx, keep); err != nil {
			log.Warn("failed to abort target", "error", err)
		} else if keep {
			log.Info("partial output kept", "uri", c.sink.URI(job.Target+storage.PartialSuffix))
		}
	}
	summary.FinishedAt = time.Now().UTC()

	if runErr == nil && c.cfg.Output.WriteIndex {
		if err := c.writeIndex(ctx, job, frames, summary); err != nil {
			log.Warn("failed to write frame index", "error", err)
		}
	}

	if c.reports != nil {
		if err := c.reports.Save(ctx, buildReport(job, summary, runErr)); err != nil {
			log.Warn("failed to save run report", "error", err)
		}
	}

	if c.catalog != nil {
		if err := c.catalog.RecordRun(ctx, buildCatalogRun(summary, runErr)); err != nil {
			log.Warn("failed to record run in catalog", "error", err)
		}
	}

	if runErr == nil && c.audit != nil {
		if err := c.audit.EmitTransfer(ctx, buildTransferInfo(summary), producer()); err != nil {
			log.Warn("failed to emit audit event", "error", err)
		}
	}

	return runErr
}

func (c *Copier) writeIndex(ctx context.Context, job Job, frames *index.Builder, summary *Summary) error {
	data, err := frames.Encode(map[string]string{
		"run_id":     summary.RunID,
		"mode":       summary.Mode.String(),
		"source_uri": summary.SourceURI,
		"target_uri": summary.TargetURI,
		"sha256":     summary.SHA256,
		"chunk_size": strconv.Itoa(summary.ChunkSize),
		"producer":   producerName + "@" + Version,
	})
	if err != nil {
		return err
	}

	key := index.Key(job.Target)
	if err := c.sink.WriteObject(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	summary.IndexURI = c.sink.URI(key)
	return nil
}

func producer() audit.ProducerInfo {
	return audit.ProducerInfo{
		Name:    producerName,
		Version: Version,
		GitSHA:  GitSHA,
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func buildReport(job Job, s *Summary, runErr error) *report.Report {
	return &report.Report{
		RunID:      s.RunID,
		Mode:       s.Mode.String(),
		SourceURI:  s.SourceURI,
		TargetKey:  job.Target,
		TargetURI:  s.TargetURI,
		IndexURI:   s.IndexURI,
		Outcome:    s.Outcome,
		Error:      errorMessage(runErr),
		ChunkSize:  s.ChunkSize,
		Blocks:     s.Stats.BlocksWritten,
		BytesIn:    s.Stats.BytesRead,
		BytesOut:   s.Stats.BytesWritten,
		Skipped:    s.Stats.FramesSkipped,
		SHA256:     s.SHA256,
		Version:    Version,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
}

func buildCatalogRun(s *Summary, runErr error) catalog.Run {
	return catalog.Run{
		RunID:           s.RunID,
		Mode:            s.Mode.String(),
		SourceURI:       s.SourceURI,
		TargetURI:       s.TargetURI,
		Outcome:         s.Outcome,
		ErrorMessage:    errorMessage(runErr),
		ChunkSize:       s.ChunkSize,
		Blocks:          s.Stats.BlocksWritten,
		BytesIn:         s.Stats.BytesRead,
		BytesOut:        s.Stats.BytesWritten,
		FramesSkipped:   s.Stats.FramesSkipped,
		SHA256:          s.SHA256,
		ProducerVersion: producerName + "@" + Version,
		ProducerGitSHA:  GitSHA,
		StartedAt:       s.StartedAt,
		FinishedAt:      s.FinishedAt,
	}
}

func buildTransferInfo(s *Summary) audit.TransferInfo {
	return audit.TransferInfo{
		RunID:     s.RunID,
		Mode:      s.Mode.String(),
		SourceURI: s.SourceURI,
		TargetURI: s.TargetURI,
		IndexURI:  s.IndexURI,
		SHA256:    "sha256:" + s.SHA256,
		ChunkSize: s.ChunkSize,
		Blocks:    s.Stats.BlocksWritten,
		BytesIn:   s.Stats.BytesRead,
		BytesOut:  s.Stats.BytesWritten,
	}
}
