package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

var finalAnswerPattern = regexp.MustCompile(`(?s)<SYSTEM>Final answer is (.*?)<SYSTEM>`)

// DetectFinalAnswer returns the payload of the first final-answer sentinel in
// output. An empty payload counts as no answer.
func DetectFinalAnswer(output string) (string, bool) {
	m := finalAnswerPattern.FindStringSubmatch(output)
	if m == nil || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// Observation is the normalized result of executing one step.
type Observation struct {
	Text        string `json:"text"`
	IsError     bool   `json:"is_error"`
	ExitCode    int    `json:"exit_code"`
	Unavailable bool   `json:"unavailable,omitempty"`
	FinalAnswer string `json:"final_answer,omitempty"`
}

// HasFinalAnswer reports whether the observation carries a final answer.
func (o Observation) HasFinalAnswer() bool { return o.FinalAnswer != "" }

// ConversationContent renders the observation as the system message recorded
// after a step.
func (o Observation) ConversationContent() string {
	switch {
	case o.HasFinalAnswer():
		return "Final Answer: " + o.FinalAnswer
	case o.IsError:
		return "Observation: Error: " + o.Text
	default:
		return "Observation: " + o.Text
	}
}

// DispatcherOption configures an ExecutionDispatcher.
type DispatcherOption func(*ExecutionDispatcher)

// WithExecutionTimeout bounds each Run. Zero disables the bound.
func WithExecutionTimeout(timeout time.Duration) DispatcherOption {
	return func(d *ExecutionDispatcher) { d.timeout = timeout }
}

// WithObservationLimits sets the truncation limits applied to output.
func WithObservationLimits(maxChars, maxLines int) DispatcherOption {
	return func(d *ExecutionDispatcher) {
		d.maxChars = maxChars
		d.maxLines = maxLines
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *ExecutionDispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// ExecutionDispatcher sends code to an Executor and normalizes the result.
type ExecutionDispatcher struct {
	executor Executor
	timeout  time.Duration
	maxChars int
	maxLines int
	logger   *slog.Logger
}

// NewExecutionDispatcher creates a dispatcher for executor.
func NewExecutionDispatcher(executor Executor, opts ...DispatcherOption) *ExecutionDispatcher {
	d := &ExecutionDispatcher{
		executor: executor,
		timeout:  60 * time.Second,
		maxChars: DefaultObservationChars,
		maxLines: DefaultObservationLines,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes code and returns an observation. It never returns an error:
// transport failures become unavailable observations.
func (d *ExecutionDispatcher) Run(ctx context.Context, code string) Observation {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	res, err := d.executor.Execute(ctx, code)
	if err != nil {
		d.logger.WarnContext(ctx, "executor unavailable", "error", err)
		return Observation{
			Text:        fmt.Sprintf("%v: %v", ErrExecutorUnavailable, err),
			IsError:     true,
			ExitCode:    -1,
			Unavailable: true,
		}
	}
	if res == nil {
		return Observation{
			Text:        fmt.Sprintf("%v: empty result", ErrExecutorUnavailable),
			IsError:     true,
			ExitCode:    -1,
			Unavailable: true,
		}
	}

	if res.Error != "" || res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Error)
		if msg == "" {
			msg = strings.TrimSpace(res.Output)
		}
		if msg == "" {
			msg = "execution failed"
		}
		d.logger.DebugContext(ctx, "execution failed", "exit_code", res.ExitCode, "duration_ms", res.DurationMs)
		return Observation{
			Text:     TruncateObservation(fmt.Sprintf("%s. Exit code: %d", msg, res.ExitCode), d.maxChars, d.maxLines),
			IsError:  true,
			ExitCode: res.ExitCode,
		}
	}

	obs := Observation{
		Text:     TruncateObservation(res.Output, d.maxChars, d.maxLines),
		ExitCode: res.ExitCode,
	}
	if answer, ok := DetectFinalAnswer(res.Output); ok {
		obs.FinalAnswer = answer
	}
	d.logger.DebugContext(ctx, "execution finished", "duration_ms", res.DurationMs, "final_answer", obs.HasFinalAnswer())
	return obs
}
