package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/LinjingBi/code-agent/unifiedllm"
)

const tracerName = "github.com/LinjingBi/code-agent/agentloop"

// Completer is the model completion transport. *unifiedllm.Client implements
// it.
type Completer interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// LoopConfig holds the per-loop settings fixed at construction.
type LoopConfig struct {
	SystemPrompt        string        `json:"system_prompt"`
	Model               string        `json:"model"`
	Provider            string        `json:"provider,omitempty"`
	Temperature         float64       `json:"temperature"`
	TopP                float64       `json:"top_p"`
	MaxTokens           int           `json:"max_tokens,omitempty"` // 0 = provider default
	MaxIter             int           `json:"max_iter"`
	CompletionTimeout   time.Duration `json:"completion_timeout"` // 0 = no bound
	ExecutionTimeout    time.Duration `json:"execution_timeout"`  // 0 = no bound
	MaxObservationChars int           `json:"max_observation_chars"`
	MaxObservationLines int           `json:"max_observation_lines"`
	RepeatWindow        int           `json:"repeat_window"` // 0 disables repeated-step warnings
}

// DefaultLoopConfig returns the default configuration without a system
// prompt.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Model:               "deepseek/deepseek-r1-0528-qwen3-8b:free",
		Temperature:         0.7,
		TopP:                0.95,
		MaxIter:             5,
		CompletionTimeout:   120 * time.Second,
		ExecutionTimeout:    60 * time.Second,
		MaxObservationChars: DefaultObservationChars,
		MaxObservationLines: DefaultObservationLines,
		RepeatWindow:        3,
	}
}

// Status is the terminal outcome of a run.
type Status string

const (
	// StatusDone means a final answer was produced.
	StatusDone Status = "done"
	// StatusExhausted means the iteration budget ran out without one.
	StatusExhausted Status = "exhausted"
)

// Result is what a successful Run returns.
type Result struct {
	RunID       string           `json:"run_id"`
	Status      Status           `json:"status"`
	FinalAnswer string           `json:"final_answer,omitempty"`
	Iterations  int              `json:"iterations"`
	LastStep    *Step            `json:"last_step,omitempty"`
	Transcript  []Message        `json:"transcript"`
	Usage       unifiedllm.Usage `json:"usage"`
	Duration    time.Duration    `json:"duration"`
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithSyntaxChecker sets the checker used for fallback-path code.
func WithSyntaxChecker(c SyntaxChecker) Option {
	return func(lp *Loop) { lp.checker = c }
}

// WithTracerProvider sets the tracer provider. The global provider is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(lp *Loop) {
		if tp != nil {
			lp.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(lp *Loop) { lp.eventBuffer = n }
}

// Loop drives the reason-then-execute cycle. A Loop runs one question at a
// time; separate Loops share no mutable state.
type Loop struct {
	config      LoopConfig
	completer   Completer
	executor    Executor
	checker     SyntaxChecker
	parser      *ResponseParser
	dispatcher  *ExecutionDispatcher
	events      *eventStream
	eventBuffer int
	logger      *slog.Logger
	tracer      trace.Tracer

	running atomic.Bool
	closed  atomic.Bool
}

// NewLoop validates cfg and builds a Loop around completer and executor.
func NewLoop(cfg LoopConfig, completer Completer, executor Executor, opts ...Option) (*Loop, error) {
	if cfg.MaxIter < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMaxIter, cfg.MaxIter)
	}
	if completer == nil {
		return nil, errors.New("agentloop: completer is required")
	}
	if executor == nil {
		return nil, errors.New("agentloop: executor is required")
	}

	l := &Loop{
		config:    cfg,
		completer: completer,
		executor:  executor,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.parser = NewResponseParser(NewCodeBlockValidator(l.checker))
	l.dispatcher = NewExecutionDispatcher(executor,
		WithExecutionTimeout(cfg.ExecutionTimeout),
		WithObservationLimits(cfg.MaxObservationChars, cfg.MaxObservationLines),
		WithDispatcherLogger(l.logger),
	)
	l.events = newEventStream(l.eventBuffer)
	return l, nil
}

// Config returns the loop configuration.
func (l *Loop) Config() LoopConfig { return l.config }

// Events returns the event channel. It is closed by Close. Events are
// dropped rather than blocking a run when nobody drains the channel.
func (l *Loop) Events() <-chan Event { return l.events.ch }

// DroppedEvents reports how many events did not fit in the channel.
func (l *Loop) DroppedEvents() uint64 { return l.events.dropped.Load() }

// Close releases the executor and completer if they hold resources. It
// returns ErrLoopBusy while a Run is in progress and leaves the Loop open.
// Calling it again after success is a no-op.
func (l *Loop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.running.Load() {
		l.closed.Store(false)
		return ErrLoopBusy
	}
	l.events.close()

	var errs []error
	if c, ok := l.executor.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close executor: %w", err))
		}
	}
	if c, ok := l.completer.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close completer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run answers question. It returns a Result for both terminal outcomes and a
// *LoopError when a parse or completion failure aborts the run.
func (l *Loop) Run(ctx context.Context, question string) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLoopClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return nil, ErrLoopBusy
	}
	defer l.running.Store(false)
	if l.closed.Load() {
		return nil, ErrLoopClosed
	}

	r := &run{
		loop:    l,
		id:      uuid.New().String(),
		state:   NewConversationState(l.config.SystemPrompt, question),
		repeats: newRepeatDetector(l.config.RepeatWindow),
		start:   time.Now(),
	}
	r.logger = l.logger.With("run_id", r.id)

	ctx, span := l.tracer.Start(ctx, "agentloop.run", trace.WithAttributes(
		attribute.String("run.id", r.id),
		attribute.Int("run.max_iter", l.config.MaxIter),
		attribute.String("llm.model", l.config.Model),
	))
	defer span.End()

	r.emit(EventRunStart, map[string]any{"question": question})
	r.logger.InfoContext(ctx, "run started", "max_iter", l.config.MaxIter, "model", l.config.Model)

	res, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("run.status", "aborted"))
		r.emit(EventError, map[string]any{"error": err.Error()})
		r.logger.ErrorContext(ctx, "run aborted", "iteration", r.iteration, "error", err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("run.status", string(res.Status)),
		attribute.Int("run.iterations", res.Iterations),
	)
	r.emit(EventRunEnd, map[string]any{
		"status":       string(res.Status),
		"final_answer": res.FinalAnswer,
	})
	r.logger.InfoContext(ctx, "run finished", "status", res.Status, "iterations", res.Iterations, "duration", res.Duration)
	return res, nil
}

// run is the state of a single Run call.
type run struct {
	loop      *Loop
	id        string
	state     *ConversationState
	iteration int
	lastStep  *Step
	repeats   *repeatDetector
	usage     unifiedllm.Usage
	start     time.Time
	logger    *slog.Logger
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	l := r.loop
	for r.iteration = 1; r.iteration <= l.config.MaxIter; r.iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, r.abort(PhaseCancelled, err)
		}

		obs, err := r.iterate(ctx)
		if err != nil {
			return nil, err
		}
		if obs.HasFinalAnswer() {
			r.emit(EventFinalAnswer, map[string]any{"answer": obs.FinalAnswer})
			return r.result(StatusDone, obs.FinalAnswer, r.iteration), nil
		}
	}

	r.iteration = l.config.MaxIter
	r.emit(EventBudgetExhausted, nil)
	r.logger.WarnContext(ctx, "iteration budget exhausted without a final answer", "max_iter", l.config.MaxIter)
	return r.result(StatusExhausted, "", l.config.MaxIter), nil
}

// iterate performs one completion, parse and dispatch cycle.
func (r *run) iterate(ctx context.Context) (Observation, error) {
	l := r.loop
	ctx, span := l.tracer.Start(ctx, "agentloop.iteration", trace.WithAttributes(
		attribute.Int("iteration", r.iteration),
	))
	defer span.End()

	r.emit(EventIterationStart, nil)

	resp, err := r.complete(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		if ctx.Err() != nil {
			return Observation{}, r.abort(PhaseCancelled, err)
		}
		return Observation{}, r.abort(PhaseCompletion, &CompletionError{Cause: err})
	}
	r.usage = r.usage.Add(resp.Usage)

	step, err := l.parser.Parse(ctx, resp.Text())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		if ctx.Err() != nil {
			return Observation{}, r.abort(PhaseCancelled, err)
		}
		return Observation{}, r.abort(PhaseParse, err)
	}
	r.lastStep = &step
	r.state.Append(RoleAssistant, step.AssistantContent())
	span.SetAttributes(attribute.String("step.source", step.Source.String()))
	r.emit(EventModelStep, map[string]any{
		"thought": step.Thought,
		"code":    step.Code,
		"source":  step.Source.String(),
	})
	r.logger.DebugContext(ctx, "model step parsed", "iteration", r.iteration, "source", step.Source.String())

	if r.repeats.observe(step.Code) {
		r.emit(EventRepeatedStep, map[string]any{"window": l.config.RepeatWindow})
		r.logger.WarnContext(ctx, "model is repeating the same code", "iteration", r.iteration, "window", l.config.RepeatWindow)
	}

	obs := l.dispatcher.Run(ctx, step.Code)
	if err := ctx.Err(); err != nil {
		return Observation{}, r.abort(PhaseCancelled, err)
	}
	r.state.Append(RoleSystem, obs.ConversationContent())
	span.SetAttributes(
		attribute.Bool("observation.error", obs.IsError),
		attribute.Int("observation.exit_code", obs.ExitCode),
	)
	r.emit(EventObservation, map[string]any{
		"text":        obs.Text,
		"is_error":    obs.IsError,
		"exit_code":   obs.ExitCode,
		"unavailable": obs.Unavailable,
	})
	if obs.Unavailable {
		r.logger.WarnContext(ctx, "executor unavailable", "iteration", r.iteration, "observation", obs.Text)
	}
	return obs, nil
}

// emit publishes an event stamped with the current iteration.
func (r *run) emit(kind EventKind, data map[string]any) {
	r.loop.events.send(Event{
		Kind:      kind,
		Timestamp: time.Now(),
		RunID:     r.id,
		Iteration: r.iteration,
		Data:      data,
	})
}

func (r *run) complete(ctx context.Context) (*unifiedllm.Response, error) {
	cfg := r.loop.config
	if cfg.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.CompletionTimeout)
		defer cancel()
	}
	req := unifiedllm.Request{
		Model:       cfg.Model,
		Provider:    cfg.Provider,
		Messages:    r.state.ToLLMMessages(),
		Temperature: unifiedllm.Float64(cfg.Temperature),
		TopP:        unifiedllm.Float64(cfg.TopP),
		Metadata:    map[string]string{"run_id": r.id},
	}
	if cfg.MaxTokens > 0 {
		req.MaxTokens = unifiedllm.Int(cfg.MaxTokens)
	}
	return r.loop.completer.Complete(ctx, req)
}

func (r *run) abort(phase Phase, cause error) *LoopError {
	return &LoopError{
		RunID:      r.id,
		Phase:      phase,
		Iteration:  r.iteration,
		LastStep:   r.lastStep,
		Transcript: r.state.Messages(),
		Cause:      cause,
	}
}

func (r *run) result(status Status, answer string, iterations int) *Result {
	return &Result{
		RunID:       r.id,
		Status:      status,
		FinalAnswer: answer,
		Iterations:  iterations,
		LastStep:    r.lastStep,
		Transcript:  r.state.Messages(),
		Usage:       r.usage,
		Duration:    time.Since(r.start),
	}
}
