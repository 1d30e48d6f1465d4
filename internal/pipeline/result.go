package pipeline

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrShortRead is returned when the source ends before a chunk the reader
	// was entitled to.
	ErrShortRead = errors.New("short read")

	// ErrTruncatedFrame is returned when a framed source ends inside a frame.
	ErrTruncatedFrame = errors.New("truncated frame")

	// ErrCorruptFrame is returned for a frame header that cannot describe a block.
	ErrCorruptFrame = errors.New("corrupt frame header")

	// ErrFrameTooLarge is returned for a frame longer than the configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum length")

	// ErrCanceled is the cause recorded for a canceled run.
	ErrCanceled = errors.New("pipeline canceled")
)

// Outcome is the terminal classification of a run.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailed
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result is the execution result of one pipeline run.
type Result struct {
	id        uuid.UUID
	createdAt time.Time
	outcome   Outcome
	err       error
}

func newResult(outcome Outcome, err error) Result {
	return Result{
		id:        uuid.New(),
		createdAt: time.Now().UTC(),
		outcome:   outcome,
		err:       err,
	}
}

// Success records a run that wrote every block.
func Success() Result {
	return newResult(OutcomeSuccess, nil)
}

// Failure records a run stopped by err.
func Failure(err error) Result {
	return newResult(OutcomeFailed, err)
}

// Canceled records a run stopped on request. A nil cause becomes ErrCanceled.
func Canceled(cause error) Result {
	if cause == nil {
		cause = ErrCanceled
	}
	return newResult(OutcomeCanceled, cause)
}

func (r Result) Outcome() Outcome { return r.outcome }

// Err returns the failure or cancellation cause, nil on success.
func (r Result) Err() error { return r.err }

func (r Result) IsSuccess() bool { return r.outcome == OutcomeSuccess }

func (r Result) IsFailure() bool { return r.outcome == OutcomeFailed }

func (r Result) IsCanceled() bool { return r.outcome == OutcomeCanceled }

func (r Result) ID() uuid.UUID { return r.id }

func (r Result) CreatedAt() time.Time { return r.createdAt }

// IsZero reports whether r was never set.
func (r Result) IsZero() bool { return r.outcome == OutcomeUnknown }
