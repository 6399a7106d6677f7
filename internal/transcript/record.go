// Package transcript persists and renders finished runs.
package transcript

import (
	"errors"
	"time"

	"github.com/LinjingBi/code-agent/agentloop"
)

// StatusAborted marks runs that ended with a *agentloop.LoopError.
const StatusAborted = "aborted"

// Record is one finished run, whatever its outcome.
type Record struct {
	RunID       string              `json:"run_id"`
	Question    string              `json:"question"`
	Model       string              `json:"model"`
	Status      string              `json:"status"`
	FinalAnswer string              `json:"final_answer,omitempty"`
	Iterations  int                 `json:"iterations"`
	Phase       string              `json:"phase,omitempty"`
	Error       string              `json:"error,omitempty"`
	Transcript  []agentloop.Message `json:"transcript"`
	DurationMs  int64               `json:"duration_ms"`
	CreatedAt   time.Time           `json:"created_at"`
}

// FromResult records a run that reached a terminal outcome.
func FromResult(question, model string, res *agentloop.Result) Record {
	return Record{
		RunID:       res.RunID,
		Question:    question,
		Model:       model,
		Status:      string(res.Status),
		FinalAnswer: res.FinalAnswer,
		Iterations:  res.Iterations,
		Transcript:  res.Transcript,
		DurationMs:  res.Duration.Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
}

// FromError records an aborted run. It returns false when err carries no
// run state.
func FromError(question, model string, err error) (Record, bool) {
	var lerr *agentloop.LoopError
	if !errors.As(err, &lerr) {
		return Record{}, false
	}
	return Record{
		RunID:      lerr.RunID,
		Question:   question,
		Model:      model,
		Status:     StatusAborted,
		Iterations: lerr.Iteration,
		Phase:      string(lerr.Phase),
		Error:      err.Error(),
		Transcript: lerr.Transcript,
		CreatedAt:  time.Now().UTC(),
	}, true
}
