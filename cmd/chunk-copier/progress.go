package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/pipeline"
)

var spinnerFrames = []string{"|", "/", "-", "\\"}

// progressPrinter renders writer progress as a spinner line on a terminal
// and as log lines otherwise.
type progressPrinter struct {
	out   io.Writer
	tty   bool
	label string
	frame int
	log   *slog.Logger
}

func newProgressPrinter(label string) *progressPrinter {
	return &progressPrinter{
		out:   os.Stderr,
		tty:   term.IsTerminal(int(os.Stderr.Fd())),
		label: label,
		log:   slog.With("component", "progress", "mode", label),
	}
}

func (p *progressPrinter) update(pr pipeline.Progress) {
	rate := 0.0
	if secs := pr.Elapsed.Seconds(); secs > 0 {
		rate = float64(pr.SourceBytes) / secs
	}

	if !p.tty {
		p.log.Info("progress",
			"blocks", pr.BlocksWritten,
			"source_bytes", pr.SourceBytes,
			"total_bytes", pr.SourceTotal,
			"rate_per_sec", int64(rate),
		)
		return
	}

	p.frame = (p.frame + 1) % len(spinnerFrames)
	fmt.Fprintf(p.out, "\r%s %s %s / %s (%s) %s/s   ",
		spinnerFrames[p.frame], p.label,
		formatBytes(pr.SourceBytes), formatBytes(pr.SourceTotal),
		percent(pr.SourceBytes, pr.SourceTotal), formatBytes(int64(rate)))
}

// done ends the spinner line.
func (p *progressPrinter) done() {
	if p.tty {
		fmt.Fprintln(p.out)
	}
}

func percent(n, total int64) string {
	if total <= 0 {
		return "100%"
	}
	return fmt.Sprintf("%d%%", n*100/total)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
