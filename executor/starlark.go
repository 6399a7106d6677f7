package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/LinjingBi/code-agent/agentloop"
)

// fileOptions enables the Python features models tend to use: while loops,
// sets, recursion, and top-level if/for statements.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// StarlarkExecutor runs snippets in an embedded Starlark interpreter, a
// Python dialect without filesystem, network or import access. Every call
// gets a fresh namespace holding final_answer and, when a Searcher is
// configured, search.
type StarlarkExecutor struct {
	searcher Searcher
	timeout  time.Duration
	maxSteps uint64
	logger   *slog.Logger
}

// StarlarkOption configures a StarlarkExecutor.
type StarlarkOption func(*StarlarkExecutor)

// WithSearcher exposes search(query, max_results=5) to executed code.
func WithSearcher(s Searcher) StarlarkOption {
	return func(e *StarlarkExecutor) {
		e.searcher = s
	}
}

// WithStarlarkTimeout bounds the wall-clock time of one call.
func WithStarlarkTimeout(d time.Duration) StarlarkOption {
	return func(e *StarlarkExecutor) {
		e.timeout = d
	}
}

// WithMaxSteps bounds the number of interpreter steps of one call. Zero means
// unlimited.
func WithMaxSteps(n uint64) StarlarkOption {
	return func(e *StarlarkExecutor) {
		e.maxSteps = n
	}
}

// WithStarlarkLogger sets the logger.
func WithStarlarkLogger(l *slog.Logger) StarlarkOption {
	return func(e *StarlarkExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewStarlarkExecutor creates an executor with a 30s timeout and a budget of
// 10 million steps.
func NewStarlarkExecutor(opts ...StarlarkOption) *StarlarkExecutor {
	e := &StarlarkExecutor{
		timeout:  30 * time.Second,
		maxSteps: 10_000_000,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute implements agentloop.Executor. Runtime errors are reported as
// "<Type>: <message>" with exit code 1.
func (e *StarlarkExecutor) Execute(ctx context.Context, code string) (*agentloop.ExecResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var out bytes.Buffer
	thread := &starlark.Thread{
		Name:  "exec",
		Print: func(_ *starlark.Thread, msg string) { out.WriteString(msg + "\n") },
	}
	thread.SetLocal(contextKey, ctx)
	if e.maxSteps > 0 {
		thread.SetMaxExecutionSteps(e.maxSteps)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	start := time.Now()
	_, err := starlark.ExecFileOptions(fileOptions, thread, "<code>", code, e.predeclared(&out))
	result := &agentloop.ExecResult{
		Output:     out.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err == nil {
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = -1
			result.Error = fmt.Sprintf("TimeoutError: execution timed out after %s", e.timeout)
			return result, nil
		}
		return nil, ctxErr
	}

	result.ExitCode = 1
	result.Error = formatStarlarkError(err)
	e.logger.Debug("starlark execution failed", "error", result.Error)
	return result, nil
}

// ListTools implements agentloop.ToolLister.
func (e *StarlarkExecutor) ListTools(context.Context) ([]agentloop.ToolDescriptor, error) {
	if e.searcher == nil {
		return []agentloop.ToolDescriptor{agentloop.FinalAnswerTool}, nil
	}
	return DefaultTools(), nil
}

const contextKey = "context"

func (e *StarlarkExecutor) predeclared(out *bytes.Buffer) starlark.StringDict {
	env := starlark.StringDict{
		"final_answer": starlark.NewBuiltin("final_answer", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var answer starlark.Value
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "answer", &answer); err != nil {
				return nil, err
			}
			fmt.Fprintf(out, "<SYSTEM>Final answer is %s<SYSTEM>\n", displayValue(answer))
			return starlark.None, nil
		}),
	}
	if e.searcher != nil {
		env["search"] = starlark.NewBuiltin("search", e.search)
	}
	return env
}

func (e *StarlarkExecutor) search(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var query string
	maxResults := 5
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "query", &query, "max_results?", &maxResults); err != nil {
		return nil, err
	}
	ctx, _ := thread.Local(contextKey).(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	hits, err := e.searcher.Search(ctx, query, maxResults)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	list := make([]starlark.Value, 0, len(hits))
	for _, h := range hits {
		d := starlark.NewDict(3)
		_ = d.SetKey(starlark.String("title"), starlark.String(h.Title))
		_ = d.SetKey(starlark.String("link"), starlark.String(h.Link))
		_ = d.SetKey(starlark.String("snippet"), starlark.String(h.Snippet))
		list = append(list, d)
	}
	return starlark.NewList(list), nil
}

// displayValue renders v the way print() would: strings unquoted.
func displayValue(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}

func formatStarlarkError(err error) string {
	var syntaxErr syntax.Error
	if errors.As(err, &syntaxErr) {
		return fmt.Sprintf("SyntaxError: %s (line %d)", syntaxErr.Msg, syntaxErr.Pos.Line)
	}
	var resolveErrs resolve.ErrorList
	if errors.As(err, &resolveErrs) && len(resolveErrs) > 0 {
		return fmt.Sprintf("NameError: %s (line %d)", resolveErrs[0].Msg, resolveErrs[0].Pos.Line)
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return "RuntimeError: " + evalErr.Msg
	}
	return "RuntimeError: " + err.Error()
}

// StarlarkSyntax checks that code parses and resolves as Starlark with the
// executor's predeclared names. It satisfies agentloop.SyntaxChecker.
var StarlarkSyntax = agentloop.SyntaxCheckerFunc(func(_ context.Context, code string) error {
	f, err := fileOptions.Parse("<code>", code, 0)
	if err != nil {
		return errors.New(formatStarlarkError(err))
	}
	isPredeclared := func(name string) bool {
		return name == "final_answer" || name == "search"
	}
	if err := resolve.File(f, isPredeclared, starlark.Universe.Has); err != nil {
		return errors.New(formatStarlarkError(err))
	}
	return nil
})
