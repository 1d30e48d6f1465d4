package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/metrics"
)

// ReaderConfig configures how the source is cut into blocks.
type ReaderConfig struct {
	// ChunkSize is the block size for raw sources.
	ChunkSize int

	// Framed makes every block one length-prefixed frame of the source.
	Framed bool

	// MaxFrameLength bounds frames when Framed is set.
	MaxFrameLength int
}

// Reader is the single producer of a pipeline. It reads the source in order,
// one block per capacity-gate opening, until the source is exhausted or the
// run is canceled or failed.
type Reader struct {
	q    *Queue
	src  io.Reader
	pool *BufferPool
	cfg  ReaderConfig
	log  *slog.Logger

	position  int64
	remaining int64
	seq       int64

	state  stageState
	blocks atomic.Int64
	bytes  atomic.Int64
}

// NewReader creates a reader of size bytes from src feeding q.
func NewReader(q *Queue, src io.Reader, size int64, cfg ReaderConfig, pool *BufferPool) *Reader {
	if cfg.ChunkSize < MinimalChunkSize {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxFrameLength <= 0 {
		cfg.MaxFrameLength = DefaultMaxFrameLength
	}
	if pool == nil {
		pool = NewBufferPool(cfg.ChunkSize)
	}
	return &Reader{
		q:         q,
		src:       src,
		pool:      pool,
		cfg:       cfg,
		log:       logging.Stage("reader", q.ctl.mode),
		remaining: size,
	}
}

// State returns the reader's lifecycle state.
func (r *Reader) State() State { return r.state.load() }

// BlocksRead is the number of blocks enqueued so far.
func (r *Reader) BlocksRead() int64 { return r.blocks.Load() }

// BytesRead is the number of source bytes consumed so far.
func (r *Reader) BytesRead() int64 { return r.bytes.Load() }

// Run executes the read loop and returns once the reader is terminal.
func (r *Reader) Run() {
	defer r.q.producerDone()
	r.state.store(StateRunning)
	r.log.Debug("reader started", "bytes", r.remaining, "chunk_size", r.cfg.ChunkSize, "framed", r.cfg.Framed)

	for {
		select {
		case <-r.q.CancellationSignal():
		case <-r.q.ErrorLatch():
		case <-r.q.CapacityGate():
		}
		// select picks randomly among ready cases; cancel and error win over the gate.
		if st, stop := r.q.interrupted(); stop {
			r.finish(st)
			return
		}

		if r.remaining == 0 {
			r.finish(StateCompleted)
			return
		}

		var (
			b   *Block
			err error
		)
		if r.cfg.Framed {
			b, err = r.readNextFrame()
		} else {
			b, err = r.readNextBlock()
		}
		if err != nil {
			r.log.Error("read failed", "offset", r.position, "error", err)
			r.q.SetExecutionError(err)
			r.finish(StateFailed)
			return
		}

		r.blocks.Add(1)
		r.bytes.Add(int64(b.SourceLength()))
		if m := metrics.Get(); m != nil {
			m.AddBlockRead(metrics.Labels{Mode: r.q.ctl.mode}, b.SourceLength())
		}
		r.q.Enqueue(b)
	}
}

func (r *Reader) finish(st State) {
	r.state.store(st)
	r.log.Debug("reader stopped", "state", st, "blocks", r.blocks.Load(), "bytes", r.bytes.Load())
}

// readNextBlock reads min(remaining, ChunkSize) bytes into a new block.
func (r *Reader) readNextBlock() (*Block, error) {
	if r.remaining <= 0 {
		panic("pipeline: read requested with nothing remaining")
	}

	count := int(min(r.remaining, int64(r.cfg.ChunkSize)))
	b := newBlock(r.pool, r.seq, count, r.position)

	n, err := io.ReadFull(r.src, b.buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		b.Release()
		return nil, fmt.Errorf("read %d bytes at offset %d: %w", count, r.position, err)
	}
	if n < count {
		b.Release()
		return nil, fmt.Errorf("%w: got %d of %d bytes at offset %d", ErrShortRead, n, count, r.position)
	}

	r.accept(b, n, n)
	return b, nil
}

// readNextFrame reads one length-prefixed frame into a new block.
func (r *Reader) readNextFrame() (*Block, error) {
	if r.remaining <= 0 {
		panic("pipeline: read requested with nothing remaining")
	}
	if r.remaining < FrameHeaderSize {
		return nil, fmt.Errorf("%w: %d trailing bytes at offset %d", ErrTruncatedFrame, r.remaining, r.position)
	}

	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		return nil, r.frameReadError(err, "header")
	}
	length, err := parseFrameLength(hdr[:], r.cfg.MaxFrameLength)
	if err != nil {
		return nil, fmt.Errorf("frame at offset %d: %w", r.position, err)
	}
	if int64(length) > r.remaining-FrameHeaderSize {
		return nil, fmt.Errorf("%w: frame at offset %d claims %d bytes, %d left",
			ErrTruncatedFrame, r.position, length, r.remaining-FrameHeaderSize)
	}

	b := newBlock(r.pool, r.seq, length, r.position)
	if _, err := io.ReadFull(r.src, b.buf); err != nil {
		b.Release()
		return nil, r.frameReadError(err, "payload")
	}

	r.accept(b, length, FrameHeaderSize+length)
	return b, nil
}

func (r *Reader) frameReadError(err error, part string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s at offset %d", ErrTruncatedFrame, part, r.position)
	}
	return fmt.Errorf("read frame %s at offset %d: %w", part, r.position, err)
}

// accept finalizes a filled block: valid bytes, source accounting, ReadDone.
func (r *Reader) accept(b *Block, valid, consumed int) {
	b.validLength = valid
	b.sourceLength = consumed
	r.position += int64(consumed)
	r.remaining -= int64(consumed)
	r.seq++
	b.ChangeStatus(StatusReadDone)
}
