package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/trzsz/go-arg"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/config"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/copier"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/metrics"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/pipeline"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/report"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/source"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/storage"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitCanceled = 130
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(osArgs []string, stdout, stderr io.Writer) int {
	args, code, ok := parseArgs(osArgs, stdout, stderr)
	if !ok {
		return code
	}

	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level, Output: stderr})
	log := logging.Component("main")
	log.Debug("starting", "version", copier.Version, "git_sha", copier.GitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := source.NewSource(source.SourceConfig{
		Backend:    cfg.Source.Backend,
		LocalDir:   cfg.Source.LocalDir,
		Bucket:     cfg.Source.Bucket,
		S3Endpoint: cfg.Source.S3Endpoint,
		S3Region:   cfg.Source.S3Region,
		Prefix:     cfg.Source.Prefix,
	})
	if err != nil {
		log.Error("failed to create source", "error", err)
		return exitFailure
	}
	defer src.Close()

	sink, err := storage.NewSink(storage.StorageConfig{
		Backend:    cfg.Storage.Backend,
		LocalDir:   cfg.Storage.LocalDir,
		Bucket:     cfg.Storage.Bucket,
		S3Endpoint: cfg.Storage.S3Endpoint,
		S3Region:   cfg.Storage.S3Region,
		Prefix:     cfg.Storage.Prefix,
	})
	if err != nil {
		log.Error("failed to create storage", "error", err)
		return exitFailure
	}
	defer sink.Close()

	c := copier.New(*cfg, src, sink)
	defer c.Close()

	if args.Status != nil {
		return printStatus(ctx, c, args.Status.Target, stdout, stderr)
	}

	mode, keys, _ := args.transfer()
	job := copier.Job{Mode: mode, Source: keys.Source, Target: keys.Target}

	var progress *progressPrinter
	if !args.Quiet {
		progress = newProgressPrinter(mode.String())
		job.Progress = progress.update
	}

	summary, err := runJob(ctx, cfg.Metrics, c, job, log)
	if progress != nil {
		progress.done()
	}

	if err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", mode, err)
		return exitCode(err)
	}
	if !args.Quiet {
		fmt.Fprintf(stdout, "%s -> %s: %d blocks, %s in, %s out, %s, sha256 %s\n",
			summary.SourceURI, summary.TargetURI,
			summary.Stats.BlocksWritten,
			formatBytes(summary.Stats.BytesRead), formatBytes(summary.Stats.BytesWritten),
			formatDuration(summary.Duration()), summary.SHA256)
	}
	return exitOK
}

func parseArgs(osArgs []string, stdout, stderr io.Writer) (*cliArgs, int, bool) {
	var args cliArgs
	parser, err := arg.NewParser(arg.Config{Out: stderr, Exit: os.Exit}, &args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, exitUsage, false
	}

	err = parser.Parse(osArgs)
	switch {
	case errors.Is(err, arg.ErrHelp):
		parser.WriteHelp(stdout)
		return nil, exitOK, false
	case errors.Is(err, arg.ErrVersion):
		fmt.Fprintln(stdout, args.Version())
		return nil, exitOK, false
	case err != nil:
		parser.WriteUsage(stderr)
		fmt.Fprintln(stderr, "error:", err)
		return nil, exitUsage, false
	}

	if _, _, ok := args.transfer(); !ok && args.Status == nil {
		parser.WriteUsage(stderr)
		fmt.Fprintln(stderr, "error: a subcommand is required")
		return nil, exitUsage, false
	}
	return &args, exitOK, true
}

// loadConfig loads the config file and applies command-line overrides.
func loadConfig(args *cliArgs) (*config.Config, error) {
	cfg, err := config.Load(args.Config)
	if err != nil {
		return nil, err
	}
	if args.ChunkSize.Size > 0 {
		cfg.Pipeline.ChunkSize = args.ChunkSize.Size
	}
	if args.Overwrite {
		cfg.Output.AllowOverwrite = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runJob runs the job next to the metrics server, which stops once the job
// is done.
func runJob(ctx context.Context, mcfg config.MetricsConfig, c *copier.Copier, job copier.Job, log *slog.Logger) (*copier.Summary, error) {
	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(gctx)
	defer stopServe()

	if mcfg.Enabled {
		m := metrics.Init(mcfg.Namespace)
		g.Go(func() error {
			if err := metrics.Serve(serveCtx, mcfg.Address, m); err != nil {
				log.Warn("metrics server stopped", "address", mcfg.Address, "error", err)
			}
			return nil
		})
		log.Info("metrics server started", "address", mcfg.Address)
	}

	var (
		summary *copier.Summary
		runErr  error
	)
	g.Go(func() error {
		defer stopServe()
		summary, runErr = c.Run(gctx, job)
		return nil
	})

	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, runErr
}

func printStatus(ctx context.Context, c *copier.Copier, target string, stdout, stderr io.Writer) int {
	rep, row, err := c.LastRun(ctx, target)
	if err != nil {
		if errors.Is(err, report.ErrNoReport) {
			fmt.Fprintf(stderr, "no runs recorded for %s\n", target)
		} else {
			fmt.Fprintf(stderr, "status failed: %v\n", err)
		}
		return exitFailure
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	out := map[string]any{}
	if rep != nil {
		out["report"] = rep
	}
	if row != nil {
		out["catalog"] = row
	}
	if n, err := c.VerifyAudit(target); n > 0 || err != nil {
		chain := map[string]any{"events": n, "verified": err == nil}
		if err != nil {
			chain["error"] = err.Error()
		}
		out["audit_chain"] = chain
	}
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "status failed: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, pipeline.ErrCanceled), errors.Is(err, context.Canceled):
		return exitCanceled
	default:
		return exitFailure
	}
}
