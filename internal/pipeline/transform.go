package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/metrics"
)

// Transform rewrites the payload of one block. Apply must not retain src and
// may be called from several goroutines at once.
type Transform interface {
	Name() string
	Apply(src []byte) ([]byte, error)
}

type transformFunc struct {
	name string
	fn   func([]byte) ([]byte, error)
}

func (t transformFunc) Name() string { return t.name }

func (t transformFunc) Apply(src []byte) ([]byte, error) { return t.fn(src) }

// NewTransform adapts a plain function to Transform.
func NewTransform(name string, fn func([]byte) ([]byte, error)) Transform {
	return transformFunc{name: name, fn: fn}
}

// Transformer is the middle stage between two chained queues. A dispatcher
// drains the upstream queue, workers apply the transform in parallel and a
// sequencer enqueues the results downstream in source order.
type Transformer struct {
	in      *Queue
	out     *Queue
	t       Transform
	workers int
	poll    time.Duration
	log     *slog.Logger

	state  stageState
	blocks atomic.Int64
}

// NewTransformer creates the stage moving blocks from in to out through t.
func NewTransformer(in, out *Queue, t Transform, workers int, poll time.Duration) *Transformer {
	if workers < 1 {
		workers = 1
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Transformer{
		in:      in,
		out:     out,
		t:       t,
		workers: workers,
		poll:    poll,
		log:     logging.Stage("transform", in.ctl.mode).With("transform", t.Name()),
	}
}

// State returns the stage's lifecycle state.
func (s *Transformer) State() State { return s.state.load() }

// BlocksProcessed is the number of blocks handed to the downstream queue.
func (s *Transformer) BlocksProcessed() int64 { return s.blocks.Load() }

// Run executes the stage and returns once it is terminal.
func (s *Transformer) Run() {
	defer s.out.producerDone()
	s.state.store(StateRunning)
	startTime := time.Now()

	work := make(chan *Block, s.workers)
	results := make(chan *Block, s.workers)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go s.workerLoop(i, work, results, &wg)
	}

	// Close results when workers finish
	go func() {
		wg.Wait()
		close(results)
	}()

	dispatched := make(chan State, 1)
	go func() {
		dispatched <- s.dispatcherLoop(work)
	}()

	st := s.sequencerLoop(results)
	if dst := <-dispatched; st == StateCompleted && dst != StateCompleted {
		st = dst
	}

	s.state.store(st)
	elapsed := time.Since(startTime)
	s.log.Debug("transform stopped",
		"state", st,
		"blocks", s.blocks.Load(),
		"workers", s.workers,
		"rate_per_sec", fmt.Sprintf("%.2f", float64(s.blocks.Load())/elapsed.Seconds()),
	)
}

// dispatcherLoop waits on the upstream queue like the writer does and feeds
// blocks to the workers.
func (s *Transformer) dispatcherLoop(work chan<- *Block) State {
	defer close(work)

	timer := time.NewTimer(s.poll)
	defer timer.Stop()

	for {
		timer.Reset(s.poll)

		select {
		case <-s.in.CancellationSignal():
		case <-s.in.ErrorLatch():
		case <-s.in.ItemDoorbell():
		case <-timer.C:
		}
		if st, stop := s.in.interrupted(); stop {
			return st
		}

		if b := s.in.Dequeue(); b != nil {
			select {
			case work <- b:
				continue
			case <-s.in.CancellationSignal():
				b.Release()
				return StateCanceled
			case <-s.in.ErrorLatch():
				b.Release()
				return StateFailed
			}
		}

		alive := s.in.ReaderAlive()
		if !alive && s.in.QueuedCount() == 0 {
			if st, stop := s.in.interrupted(); stop {
				return st
			}
			return StateCompleted
		}
	}
}

// workerLoop transforms blocks until the dispatcher closes work.
func (s *Transformer) workerLoop(workerID int, work <-chan *Block, results chan<- *Block, wg *sync.WaitGroup) {
	defer wg.Done()
	log := s.log.With("worker_id", workerID)
	labels := metrics.Labels{Mode: s.in.ctl.mode, Transform: s.t.Name()}

	for b := range work {
		if _, stop := s.in.interrupted(); stop {
			b.Release()
			continue
		}

		start := time.Now()
		out, err := s.t.Apply(b.Bytes())
		if err != nil {
			err = fmt.Errorf("%s block %d at offset %d: %w", s.t.Name(), b.Seq(), b.OriginOffset(), err)
			log.Error("transform failed", "seq", b.Seq(), "error", err)
			s.in.SetExecutionError(err)
			b.Release()
			continue
		}
		if m := metrics.Get(); m != nil {
			m.ObserveTransformDuration(labels, time.Since(start).Seconds())
		}

		b.AssignBuffer(out, len(out))
		b.ChangeStatus(StatusProcessed)
		log.Debug("block transformed", "seq", b.Seq(), "in", b.SourceLength(), "out", len(out))
		results <- b
	}
}

// sequencerLoop enqueues transformed blocks downstream in seq order. After an
// interruption it keeps draining results so no worker stays blocked.
func (s *Transformer) sequencerLoop(results <-chan *Block) State {
	pending := make(map[int64]*Block)
	var next int64
	stopped := StateRunning

	for b := range results {
		if stopped != StateRunning {
			b.Release()
			continue
		}
		pending[b.Seq()] = b

		// Flush in-order as far as possible
		for {
			nb, ok := pending[next]
			if !ok {
				break
			}
			if st, stop := s.waitForCapacity(); stop {
				stopped = st
				break
			}
			delete(pending, next)
			next++
			s.out.Enqueue(nb)
			s.blocks.Add(1)
		}

		if stopped != StateRunning {
			releaseAll(pending)
		}
	}

	if stopped != StateRunning {
		return stopped
	}
	if st, stop := s.in.interrupted(); stop {
		releaseAll(pending)
		return st
	}
	if len(pending) > 0 {
		releaseAll(pending)
		s.in.SetExecutionError(fmt.Errorf("transform lost block %d", next))
		return StateFailed
	}
	return StateCompleted
}

// waitForCapacity blocks on the downstream gate like the reader does.
func (s *Transformer) waitForCapacity() (State, bool) {
	select {
	case <-s.out.CancellationSignal():
	case <-s.out.ErrorLatch():
	case <-s.out.CapacityGate():
	}
	return s.out.interrupted()
}

func releaseAll(pending map[int64]*Block) {
	for seq, b := range pending {
		b.Release()
		delete(pending, seq)
	}
}
