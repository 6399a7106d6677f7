package agentloop

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies the type of loop event.
type EventKind string

const (
	EventRunStart        EventKind = "run_start"
	EventRunEnd          EventKind = "run_end"
	EventIterationStart  EventKind = "iteration_start"
	EventModelStep       EventKind = "model_step"
	EventObservation     EventKind = "observation"
	EventFinalAnswer     EventKind = "final_answer"
	EventBudgetExhausted EventKind = "budget_exhausted"
	EventRepeatedStep    EventKind = "repeated_step"
	EventError           EventKind = "error"
)

// Event reports progress of a run. Data holds kind-specific fields.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Iteration int            `json:"iteration,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

const defaultEventBuffer = 256

// eventStream publishes events on a buffered channel without ever blocking
// the loop. Events that do not fit are dropped and counted.
type eventStream struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

func newEventStream(size int) *eventStream {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &eventStream{ch: make(chan Event, size)}
}

func (s *eventStream) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// close is idempotent.
func (s *eventStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
