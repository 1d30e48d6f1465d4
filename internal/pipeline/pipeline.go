// Package pipeline moves a byte stream from a source to a target as a chain
// of bounded stages: a reader cutting the source into blocks, an optional
// parallel transform, and a writer emitting the blocks in source order.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/logging"
)

// Config configures one pipeline run.
type Config struct {
	// Name labels logs and metrics, typically the copier mode.
	Name string

	ChunkSize    int
	Threshold    Threshold
	PollInterval time.Duration

	// FramedInput reads the source as length-prefixed frames, one per block.
	FramedInput bool
	// FramedOutput writes every block as a length-prefixed frame.
	FramedOutput   bool
	MaxFrameLength int

	WriteFailure WriteFailurePolicy

	// Transform, when set, runs between reader and writer on its own queue.
	Transform          Transform
	TransformWorkers   int
	TransformThreshold Threshold

	RefreshInterval time.Duration
}

// DefaultThreshold holds four blocks per CPU before stalling the reader.
func DefaultThreshold() Threshold {
	return Threshold{MaxBlocks: runtime.NumCPU() * 4}
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "copy"
	}
	if c.ChunkSize < MinimalChunkSize {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Threshold == (Threshold{}) {
		c.Threshold = DefaultThreshold()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxFrameLength <= 0 {
		c.MaxFrameLength = DefaultMaxFrameLength
	}
	if c.TransformWorkers < 1 {
		c.TransformWorkers = runtime.NumCPU()
	}
	if c.TransformThreshold == (Threshold{}) {
		c.TransformThreshold = c.Threshold
	}
	return c
}

// Hooks observe the writer. Both run on the writer goroutine.
type Hooks struct {
	OnWritten  func(FrameInfo)
	OnProgress func(Progress)
}

// Stats summarizes a run.
type Stats struct {
	BlocksRead    int64
	BytesRead     int64
	BlocksWritten int64
	BytesWritten  int64
	FramesSkipped int64
	GateClosures  int64
}

// States is the terminal state of every stage.
type States struct {
	Reader    State
	Transform State
	Writer    State
}

// Pipeline owns the queues and stages of a single run.
type Pipeline struct {
	cfg  Config
	head *Queue
	tail *Queue

	reader      *Reader
	transformer *Transformer
	writer      *Writer

	log *slog.Logger
	ran atomic.Bool
}

// New wires a pipeline reading size bytes from src and writing to dst.
func New(cfg Config, src io.Reader, size int64, dst io.Writer, hooks Hooks) *Pipeline {
	cfg = cfg.withDefaults()

	p := &Pipeline{
		cfg: cfg,
		log: logging.Stage("run", cfg.Name),
	}

	p.head = NewQueue(cfg.Name, "read", cfg.Threshold)
	p.tail = p.head
	pool := NewBufferPool(cfg.ChunkSize)
	p.reader = NewReader(p.head, src, size, ReaderConfig{
		ChunkSize:      cfg.ChunkSize,
		Framed:         cfg.FramedInput,
		MaxFrameLength: cfg.MaxFrameLength,
	}, pool)

	if cfg.Transform != nil {
		p.tail = p.head.Chain(cfg.Transform.Name(), cfg.TransformThreshold)
		p.transformer = NewTransformer(p.head, p.tail, cfg.Transform, cfg.TransformWorkers, cfg.PollInterval)
	}

	p.writer = NewWriter(p.tail, dst, WriterConfig{
		PollInterval:    cfg.PollInterval,
		Framed:          cfg.FramedOutput,
		FailurePolicy:   cfg.WriteFailure,
		RefreshInterval: cfg.RefreshInterval,
		SourceSize:      size,
		OnWritten:       hooks.OnWritten,
		OnProgress:      hooks.OnProgress,
	})
	return p
}

// Run executes all stages and blocks until every one of them is terminal.
// Canceling ctx requests a cooperative stop. Run may be called once.
func (p *Pipeline) Run(ctx context.Context) Result {
	if !p.ran.CompareAndSwap(false, true) {
		panic("pipeline: Run called twice")
	}

	start := time.Now()
	p.log.Info("pipeline started",
		"chunk_size", p.cfg.ChunkSize,
		"max_blocks", p.cfg.Threshold.MaxBlocks,
		"max_bytes", p.cfg.Threshold.MaxBytes,
		"transform", p.transformName(),
	)

	// Producers are alive before any consumer can look.
	p.head.producerStarted()
	if p.transformer != nil {
		p.tail.producerStarted()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.reader.Run()
	}()
	if p.transformer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.transformer.Run()
		}()
	}
	go func() {
		defer wg.Done()
		p.writer.Run()
	}()

	stop := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			if p.head.SetExecutionCanceled() {
				p.log.Info("cancellation requested", "cause", context.Cause(ctx))
			}
		case <-stop:
		}
	}()

	wg.Wait()
	close(stop)
	<-watchDone

	leftover := p.head.drain()
	if p.tail != p.head {
		leftover += p.tail.drain()
	}

	res, ok := p.head.ExecutionResult()
	if !ok {
		res = Failure(errors.New("pipeline stopped without a result"))
	}

	stats := p.Stats()
	p.log.Info("pipeline finished",
		"outcome", res.Outcome(),
		"blocks_read", stats.BlocksRead,
		"blocks_written", stats.BlocksWritten,
		"bytes_written", stats.BytesWritten,
		"frames_skipped", stats.FramesSkipped,
		"gate_closures", stats.GateClosures,
		"released", leftover,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}

// Cancel requests a cooperative stop. It is safe to call at any time.
func (p *Pipeline) Cancel() bool {
	return p.head.SetExecutionCanceled()
}

// Queue returns the head queue shared with the reader.
func (p *Pipeline) Queue() *Queue { return p.head }

// Stats returns the counters of the run so far.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		BlocksRead:    p.reader.BlocksRead(),
		BytesRead:     p.reader.BytesRead(),
		BlocksWritten: p.writer.BlocksWritten(),
		BytesWritten:  p.writer.BytesWritten(),
		FramesSkipped: p.writer.FramesSkipped(),
		GateClosures:  p.head.GateClosures(),
	}
	if p.tail != p.head {
		s.GateClosures += p.tail.GateClosures()
	}
	return s
}

// States returns the current state of every stage. Transform is
// StateNotStarted when the pipeline has no transform.
func (p *Pipeline) States() States {
	s := States{
		Reader: p.reader.State(),
		Writer: p.writer.State(),
	}
	if p.transformer != nil {
		s.Transform = p.transformer.State()
	}
	return s
}

func (p *Pipeline) transformName() string {
	if p.cfg.Transform == nil {
		return "none"
	}
	return p.cfg.Transform.Name()
}
