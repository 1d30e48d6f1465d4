package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/metrics"
)

// DefaultPollInterval is how long the writer sleeps before re-checking for
// completion when no doorbell rings.
const DefaultPollInterval = 128 * time.Millisecond

// WriteFailurePolicy decides what a failed frame write does to the run.
type WriteFailurePolicy int

const (
	// WriteFailureLatch records the write error and stops the pipeline.
	WriteFailureLatch WriteFailurePolicy = iota

	// WriteFailureSkip drops the frame, counts it and keeps writing.
	WriteFailureSkip
)

func (p WriteFailurePolicy) String() string {
	if p == WriteFailureSkip {
		return "skip"
	}
	return "latch"
}

// ParseWriteFailurePolicy parses "latch" or "skip".
func ParseWriteFailurePolicy(s string) (WriteFailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "latch":
		return WriteFailureLatch, nil
	case "skip":
		return WriteFailureSkip, nil
	default:
		return WriteFailureLatch, fmt.Errorf("unknown write failure policy %q", s)
	}
}

// FrameInfo describes one block after it reached the target.
type FrameInfo struct {
	Seq          int64
	SourceOffset int64
	SourceLength int
	TargetOffset int64
	TargetLength int

	// Payload is only valid for the duration of the callback.
	Payload []byte
}

// Progress is a snapshot handed to the progress callback.
type Progress struct {
	BlocksWritten int64
	BytesWritten  int64
	SourceBytes   int64
	SourceTotal   int64
	Elapsed       time.Duration
}

// WriterConfig configures the writer stage.
type WriterConfig struct {
	PollInterval    time.Duration
	Framed          bool
	FailurePolicy   WriteFailurePolicy
	RefreshInterval time.Duration

	// SourceSize is reported as Progress.SourceTotal.
	SourceSize int64

	OnWritten  func(FrameInfo)
	OnProgress func(Progress)
}

// Writer is the single consumer of a pipeline. It writes blocks to the target
// in queue order until the producer is gone and the queue is empty.
type Writer struct {
	q   *Queue
	dst io.Writer
	cfg WriterConfig
	log *slog.Logger

	targetOffset int64
	sourceBytes  int64
	started      time.Time
	lastRefresh  time.Time

	state   stageState
	blocks  atomic.Int64
	bytes   atomic.Int64
	skipped atomic.Int64
}

// NewWriter creates a writer draining q into dst.
func NewWriter(q *Queue, dst io.Writer, cfg WriterConfig) *Writer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 2 * cfg.PollInterval
	}
	return &Writer{
		q:   q,
		dst: dst,
		cfg: cfg,
		log: logging.Stage("writer", q.ctl.mode),
	}
}

// State returns the writer's lifecycle state.
func (w *Writer) State() State { return w.state.load() }

// BlocksWritten is the number of frames written so far.
func (w *Writer) BlocksWritten() int64 { return w.blocks.Load() }

// BytesWritten is the number of target bytes written so far, headers included.
func (w *Writer) BytesWritten() int64 { return w.bytes.Load() }

// FramesSkipped is the number of frames dropped under WriteFailureSkip.
func (w *Writer) FramesSkipped() int64 { return w.skipped.Load() }

// Run executes the write loop and returns once the writer is terminal.
func (w *Writer) Run() {
	w.state.store(StateRunning)
	w.started = time.Now()
	w.lastRefresh = w.started

	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	for {
		timer.Reset(w.cfg.PollInterval)

		select {
		case <-w.q.CancellationSignal():
		case <-w.q.ErrorLatch():
		case <-w.q.ItemDoorbell():
		case <-timer.C:
		}
		if st, stop := w.q.interrupted(); stop {
			w.finish(st)
			return
		}

		// A timeout dequeues too: rings are coalesced.
		if b := w.q.Dequeue(); b != nil {
			w.writeBlock(b)
			w.refresh()
			continue
		}

		w.refresh()

		// Producer liveness first: a producer that has stopped enqueued
		// everything it will ever enqueue before clearing the flag.
		alive := w.q.ReaderAlive()
		if !alive && w.q.QueuedCount() == 0 {
			if st, stop := w.q.interrupted(); stop {
				w.finish(st)
				return
			}
			if !w.q.recordSuccess() {
				// Lost the race against a late cancel or error.
				st, _ := w.q.interrupted()
				w.finish(st)
				return
			}
			w.finish(StateCompleted)
			return
		}
	}
}

func (w *Writer) finish(st State) {
	w.state.store(st)
	w.report()
	w.log.Debug("writer stopped",
		"state", st,
		"blocks", w.blocks.Load(),
		"bytes", w.bytes.Load(),
		"skipped", w.skipped.Load(),
	)
}

// writeBlock writes one block and releases it.
func (w *Writer) writeBlock(b *Block) {
	if b == nil {
		panic("pipeline: writer received nil block")
	}
	defer b.Release()

	var (
		n   int
		err error
	)
	if w.cfg.Framed {
		n, err = WriteFrame(w.dst, b.Bytes())
	} else {
		n, err = w.dst.Write(b.Bytes())
	}
	offset := w.targetOffset
	w.targetOffset += int64(n)

	if err != nil {
		err = fmt.Errorf("write block %d at target offset %d: %w", b.Seq(), offset, err)
		if w.cfg.FailurePolicy == WriteFailureSkip {
			w.skipped.Add(1)
			w.log.Warn("frame skipped", "seq", b.Seq(), "source_offset", b.OriginOffset(), "error", err)
			if m := metrics.Get(); m != nil {
				m.IncFramesSkipped(metrics.Labels{Mode: w.q.ctl.mode})
			}
			return
		}
		w.log.Error("write failed", "seq", b.Seq(), "error", err)
		w.q.SetExecutionError(err)
		return
	}

	b.ChangeStatus(StatusWritten)
	w.blocks.Add(1)
	w.bytes.Add(int64(n))
	w.sourceBytes += int64(b.SourceLength())
	if m := metrics.Get(); m != nil {
		m.AddBlockWritten(metrics.Labels{Mode: w.q.ctl.mode}, n)
	}

	if w.cfg.OnWritten != nil {
		w.cfg.OnWritten(FrameInfo{
			Seq:          b.Seq(),
			SourceOffset: b.OriginOffset(),
			SourceLength: b.SourceLength(),
			TargetOffset: offset,
			TargetLength: n,
			Payload:      b.Bytes(),
		})
	}
}

// refresh fires the progress callback once per refresh interval.
func (w *Writer) refresh() {
	if w.cfg.OnProgress == nil || time.Since(w.lastRefresh) < w.cfg.RefreshInterval {
		return
	}
	w.report()
}

func (w *Writer) report() {
	if w.cfg.OnProgress == nil {
		return
	}
	w.lastRefresh = time.Now()
	w.cfg.OnProgress(Progress{
		BlocksWritten: w.blocks.Load(),
		BytesWritten:  w.bytes.Load(),
		SourceBytes:   w.sourceBytes,
		SourceTotal:   w.cfg.SourceSize,
		Elapsed:       w.lastRefresh.Sub(w.started),
	})
}
