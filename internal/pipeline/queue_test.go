package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyBlock(seq int64, size int) *Block {
	b := newBlock(nil, seq, size, seq*int64(size))
	b.validLength = size
	b.sourceLength = size
	b.ChangeStatus(StatusReadDone)
	return b
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue("test", "read", Threshold{})

	for i := int64(0); i < 5; i++ {
		q.Enqueue(readyBlock(i, 3))
	}
	assert.Equal(t, 5, q.QueuedCount())
	assert.Equal(t, int64(15), q.QueuedBytes())

	for i := int64(0); i < 5; i++ {
		b := q.Dequeue()
		require.NotNil(t, b)
		assert.Equal(t, i, b.Seq())
	}
	assert.Nil(t, q.Dequeue())
	assert.Equal(t, 0, q.QueuedCount())
	assert.Equal(t, int64(0), q.QueuedBytes())
}

func TestQueue_EnqueueNilPanics(t *testing.T) {
	q := NewQueue("test", "read", Threshold{})
	assert.Panics(t, func() { q.Enqueue(nil) })
}

func TestQueue_Backpressure(t *testing.T) {
	const threshold = 3
	q := NewQueue("test", "read", Threshold{MaxBlocks: threshold})

	for i := int64(0); i < threshold; i++ {
		q.Enqueue(readyBlock(i, 1))
		assert.True(t, isClosed(q.CapacityGate()), "gate open at %d blocks", i+1)
	}

	q.Enqueue(readyBlock(threshold, 1))
	gate := q.CapacityGate()
	assert.False(t, isClosed(gate), "gate must close above the threshold")
	assert.Equal(t, int64(1), q.GateClosures())

	require.NotNil(t, q.Dequeue())
	assert.True(t, isClosed(gate), "the channel taken while closed is released")
	assert.True(t, isClosed(q.CapacityGate()))
}

func TestQueue_ByteThreshold(t *testing.T) {
	q := NewQueue("test", "read", Threshold{MaxBytes: 10})

	q.Enqueue(readyBlock(0, 6))
	assert.True(t, isClosed(q.CapacityGate()))
	q.Enqueue(readyBlock(1, 6))
	assert.False(t, isClosed(q.CapacityGate()))

	q.Dequeue()
	assert.True(t, isClosed(q.CapacityGate()))
}

func TestQueue_DoorbellCoalescesAndRerings(t *testing.T) {
	q := NewQueue("test", "read", Threshold{})

	q.Enqueue(readyBlock(0, 1))
	q.Enqueue(readyBlock(1, 1))

	// Two rings, one pending wake-up.
	assert.True(t, isClosed(q.ItemDoorbell()))
	assert.False(t, isClosed(q.ItemDoorbell()))

	// Taking the head while more remain rings again.
	require.NotNil(t, q.Dequeue())
	assert.True(t, isClosed(q.ItemDoorbell()))

	require.NotNil(t, q.Dequeue())
	assert.False(t, isClosed(q.ItemDoorbell()))
}

func TestQueue_ErrorLatchKeepsFirst(t *testing.T) {
	q := NewQueue("test", "read", Threshold{})
	first := errors.New("first")
	second := errors.New("second")

	assert.False(t, isClosed(q.ErrorLatch()))
	assert.True(t, q.SetExecutionError(first))
	assert.False(t, q.SetExecutionError(second))
	assert.False(t, q.SetExecutionCanceled())

	assert.True(t, isClosed(q.ErrorLatch()))
	assert.False(t, isClosed(q.CancellationSignal()))

	res, ok := q.ExecutionResult()
	require.True(t, ok)
	assert.True(t, res.IsFailure())
	assert.ErrorIs(t, res.Err(), first)
}

func TestQueue_CancelKeepsFirst(t *testing.T) {
	q := NewQueue("test", "read", Threshold{})

	assert.True(t, q.SetExecutionCanceled())
	assert.False(t, q.SetExecutionError(errors.New("late")))
	assert.False(t, q.SetExecutionCanceled())

	res, ok := q.ExecutionResult()
	require.True(t, ok)
	assert.True(t, res.IsCanceled())
	assert.ErrorIs(t, res.Err(), ErrCanceled)
	assert.True(t, isClosed(q.CancellationSignal()))
	assert.False(t, isClosed(q.ErrorLatch()))
}

func TestQueue_ChainSharesControl(t *testing.T) {
	head := NewQueue("test", "read", Threshold{})
	tail := head.Chain("zstd", Threshold{MaxBlocks: 1})

	tail.Enqueue(readyBlock(0, 1))
	assert.Equal(t, 0, head.QueuedCount())
	assert.Equal(t, 1, tail.QueuedCount())

	head.SetExecutionCanceled()
	assert.True(t, isClosed(tail.CancellationSignal()))
	_, ok := tail.ExecutionResult()
	assert.True(t, ok)
}

func TestQueue_ReaderAlive(t *testing.T) {
	q := NewQueue("test", "read", Threshold{})
	assert.False(t, q.ReaderAlive())
	q.producerStarted()
	assert.True(t, q.ReaderAlive())
	q.producerDone()
	assert.False(t, q.ReaderAlive())
}

func TestQueue_GateWakesBlockedProducer(t *testing.T) {
	q := NewQueue("test", "read", Threshold{MaxBlocks: 1})
	q.Enqueue(readyBlock(0, 1))
	q.Enqueue(readyBlock(1, 1))

	woke := make(chan struct{})
	go func() {
		<-q.CapacityGate()
		close(woke)
	}()

	select {
	case <-woke:
		t.Fatal("producer woke while over threshold")
	case <-time.After(20 * time.Millisecond):
	}

	q.Dequeue()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("producer not woken after drain")
	}
}

func TestQueue_Drain(t *testing.T) {
	q := NewQueue("test", "read", Threshold{})
	q.Enqueue(readyBlock(0, 2))
	q.Enqueue(readyBlock(1, 2))

	assert.Equal(t, 2, q.drain())
	assert.Equal(t, 0, q.QueuedCount())
}
