package pipeline

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle of a stage goroutine.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the stage has stopped.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

type stageState struct {
	v atomic.Int32
}

func (s *stageState) load() State { return State(s.v.Load()) }

func (s *stageState) store(st State) { s.v.Store(int32(st)) }
