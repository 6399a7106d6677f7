package agentloop

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopBusy is returned when Run is called while another Run on the
	// same Loop is in flight.
	ErrLoopBusy = errors.New("agentloop: loop is already running")
	// ErrLoopClosed is returned by Run after Close.
	ErrLoopClosed = errors.New("agentloop: loop is closed")
	// ErrInvalidMaxIter is returned by NewLoop when MaxIter < 1.
	ErrInvalidMaxIter = errors.New("agentloop: max iterations must be at least 1")
	// ErrExecutorUnavailable marks observations produced by a transport failure.
	ErrExecutorUnavailable = errors.New("executor unavailable")
)

// Phase names the part of an iteration in which a run was aborted.
type Phase string

const (
	PhaseCompletion Phase = "completion"
	PhaseParse      Phase = "parse"
	PhaseCancelled  Phase = "cancelled"
)

// ParseError reports model output that could not be turned into a Step.
type ParseError struct {
	Message string
	Raw     string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse: %s: %v", e.Message, e.Cause)
	}
	return "parse: " + e.Message
}

func (e *ParseError) Unwrap() error { return e.Cause }

// CompletionError wraps a failure of the model completion transport. The
// underlying unifiedllm error is available through errors.As.
type CompletionError struct {
	Cause error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion: %v", e.Cause)
}

func (e *CompletionError) Unwrap() error { return e.Cause }

// LoopError is returned when a run aborts before reaching a terminal outcome.
// Transcript is a snapshot of the conversation at the point of failure.
type LoopError struct {
	RunID      string
	Phase      Phase
	Iteration  int
	LastStep   *Step
	Transcript []Message
	Cause      error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("agentloop: run %s aborted in %s phase at iteration %d: %v", e.RunID, e.Phase, e.Iteration, e.Cause)
}

func (e *LoopError) Unwrap() error { return e.Cause }
