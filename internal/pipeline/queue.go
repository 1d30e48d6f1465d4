package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/metrics"
)

// Threshold bounds how much a queue holds before it closes its capacity
// gate. A zero field disables that dimension.
type Threshold struct {
	MaxBlocks int
	MaxBytes  int64
}

func (t Threshold) exceeded(count int, bytes int64) bool {
	if t.MaxBlocks > 0 && count > t.MaxBlocks {
		return true
	}
	return t.MaxBytes > 0 && bytes > t.MaxBytes
}

// control is the run-wide state shared by every queue of one pipeline: the
// cancel signal, the error latch and the first recorded result.
type control struct {
	mode string

	mu       sync.Mutex
	result   Result
	cancelCh chan struct{}
	errorCh  chan struct{}
}

// Queue is the bounded FIFO between two stages. It is written by exactly one
// producer and drained by exactly one consumer.
type Queue struct {
	name      string
	ctl       *control
	threshold Threshold

	mu       sync.Mutex
	items    []*Block
	bytes    int64
	gate     chan struct{} // closed while the producer may enqueue
	gateOpen bool

	doorbell      chan struct{}
	producerAlive atomic.Bool
	gateClosures  atomic.Int64
}

// NewQueue creates the head queue of a pipeline with its own cancel signal,
// error latch and result slot.
func NewQueue(mode, name string, t Threshold) *Queue {
	ctl := &control{
		mode:     mode,
		cancelCh: make(chan struct{}),
		errorCh:  make(chan struct{}),
	}
	return newQueue(ctl, name, t)
}

// Chain creates a downstream queue that shares q's cancel signal, error latch
// and result slot but has its own FIFO, gate and doorbell.
func (q *Queue) Chain(name string, t Threshold) *Queue {
	return newQueue(q.ctl, name, t)
}

func newQueue(ctl *control, name string, t Threshold) *Queue {
	gate := make(chan struct{})
	close(gate)
	return &Queue{
		name:      name,
		ctl:       ctl,
		threshold: t,
		gate:      gate,
		gateOpen:  true,
		doorbell:  make(chan struct{}, 1),
	}
}

// Name identifies the queue in logs and metrics.
func (q *Queue) Name() string { return q.name }

// Enqueue appends b at the tail and rings the doorbell. Only the single
// producer of this queue may call it.
func (q *Queue) Enqueue(b *Block) {
	if b == nil {
		panic("pipeline: enqueue of nil block")
	}

	q.mu.Lock()
	q.items = append(q.items, b)
	q.bytes += int64(b.ValidLength())
	q.adjustGateLocked()
	count, bytes := len(q.items), q.bytes
	q.mu.Unlock()

	q.ring()
	q.observe(count, bytes)
}

// Dequeue removes and returns the head, or nil when the queue is empty. It
// never blocks; callers wait on ItemDoorbell between attempts.
func (q *Queue) Dequeue() *Block {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	b := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.bytes -= int64(b.ValidLength())
	q.adjustGateLocked()
	count, bytes := len(q.items), q.bytes
	q.mu.Unlock()

	// A new head is waiting; keep the consumer awake for it.
	if count > 0 {
		q.ring()
	}
	q.observe(count, bytes)
	return b
}

func (q *Queue) adjustGateLocked() {
	tooBig := q.threshold.exceeded(len(q.items), q.bytes)
	switch {
	case tooBig && q.gateOpen:
		q.gate = make(chan struct{})
		q.gateOpen = false
		q.gateClosures.Add(1)
		if m := metrics.Get(); m != nil {
			m.IncGateClosures(q.labels())
		}
	case !tooBig && !q.gateOpen:
		close(q.gate)
		q.gateOpen = true
	}
}

func (q *Queue) ring() {
	select {
	case q.doorbell <- struct{}{}:
	default:
	}
}

func (q *Queue) observe(count int, bytes int64) {
	if m := metrics.Get(); m != nil {
		m.SetQueue(q.labels(), count, bytes)
	}
}

func (q *Queue) labels() metrics.Labels {
	return metrics.Labels{Mode: q.ctl.mode, Queue: q.name}
}

// SetExecutionError records a failure and sets the error latch. Only the
// first recorded result is kept; later calls return false and do nothing.
func (q *Queue) SetExecutionError(err error) bool {
	c := q.ctl
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.result.IsZero() {
		return false
	}
	c.result = Failure(err)
	close(c.errorCh)
	return true
}

// SetExecutionCanceled records a cancellation and sets the cancel signal.
// Only the first recorded result is kept.
func (q *Queue) SetExecutionCanceled() bool {
	c := q.ctl
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.result.IsZero() {
		return false
	}
	c.result = Canceled(nil)
	close(c.cancelCh)
	return true
}

// recordSuccess stores a successful result unless one is already recorded.
func (q *Queue) recordSuccess() bool {
	c := q.ctl
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.result.IsZero() {
		return false
	}
	c.result = Success()
	return true
}

// CancellationSignal is closed once the run is canceled.
func (q *Queue) CancellationSignal() <-chan struct{} { return q.ctl.cancelCh }

// ErrorLatch is closed once a failure is recorded. It never reopens.
func (q *Queue) ErrorLatch() <-chan struct{} { return q.ctl.errorCh }

// CapacityGate returns a channel that is closed while the producer may
// enqueue. The gate is level-triggered: take a fresh channel for every wait.
func (q *Queue) CapacityGate() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gate
}

// ItemDoorbell receives one wake-up per ring. Rings are coalesced, so a
// consumer must still poll Dequeue on a timeout.
func (q *Queue) ItemDoorbell() <-chan struct{} { return q.doorbell }

// QueuedCount is the number of blocks currently held.
func (q *Queue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// QueuedBytes is the payload byte sum of the blocks currently held.
func (q *Queue) QueuedBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// ReaderAlive reports whether the stage feeding this queue is still running.
// For the head queue that is the reader.
func (q *Queue) ReaderAlive() bool { return q.producerAlive.Load() }

// ExecutionResult returns the first recorded result, if any.
func (q *Queue) ExecutionResult() (Result, bool) {
	c := q.ctl
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, !c.result.IsZero()
}

// GateClosures counts how often the gate stalled the producer.
func (q *Queue) GateClosures() int64 { return q.gateClosures.Load() }

// interrupted reports whether the run was canceled or failed.
func (q *Queue) interrupted() (State, bool) {
	select {
	case <-q.ctl.cancelCh:
		return StateCanceled, true
	default:
	}
	select {
	case <-q.ctl.errorCh:
		return StateFailed, true
	default:
	}
	return StateRunning, false
}

func (q *Queue) producerStarted() { q.producerAlive.Store(true) }

func (q *Queue) producerDone() { q.producerAlive.Store(false) }

// drain releases whatever is still queued after the stages have stopped.
func (q *Queue) drain() int {
	n := 0
	for b := q.Dequeue(); b != nil; b = q.Dequeue() {
		b.Release()
		n++
	}
	return n
}
