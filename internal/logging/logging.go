// Package logging configures slog for the copier and hands out loggers
// pre-tagged with a component, a run or a pipeline stage.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Format string    // "json" | "text"
	Level  string    // "debug" | "info" | "warn" | "error"
	Output io.Writer // stderr when nil; stdout is reserved for command output
}

// Setup installs a logger built from cfg as the slog default.
func Setup(cfg Config) {
	slog.SetDefault(New(cfg))
}

// New builds a logger without installing it.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type runIDKey struct{}

// WithRunID tags ctx with the ID of the run it belongs to.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID returns the run ID stored in ctx, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// RunLogger returns a logger carrying the run ID from ctx and the transfer
// endpoints.
func RunLogger(ctx context.Context, mode, source, target string) *slog.Logger {
	return slog.With(
		"run_id", RunID(ctx),
		"mode", mode,
		"source", source,
		"target", target,
	)
}

// Stage returns a logger for one pipeline stage of a run in mode.
func Stage(stage, mode string) *slog.Logger {
	return slog.With("component", "pipeline", "stage", stage, "mode", mode)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
