package agentloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// ExecResult is the triple an executor reports for one snippet. Only Output,
// Error and ExitCode are interpreted by the dispatcher.
type ExecResult struct {
	Output     string `json:"output"`
	Error      string `json:"error"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Executor runs a code snippet. A returned error means the executor could not
// be reached or did not produce a result; failures of the code itself are
// reported in ExecResult.
type Executor interface {
	Execute(ctx context.Context, code string) (*ExecResult, error)
}

// ToolLister is implemented by executors that can describe the tools
// available to executed code.
type ToolLister interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
}

const pythonPrelude = `def final_answer(answer):
    print(f"<SYSTEM>Final answer is {answer}<SYSTEM>")

`

// LocalExecutor runs each snippet in a fresh python3 process, so nothing
// carries over between iterations. Credentials in the parent environment are
// not passed on.
type LocalExecutor struct {
	interpreter string
	dir         string
	timeout     time.Duration
	env         []string
}

// LocalOption configures a LocalExecutor.
type LocalOption func(*LocalExecutor)

// WithInterpreter replaces python3.
func WithInterpreter(path string) LocalOption {
	return func(e *LocalExecutor) { e.interpreter = path }
}

// WithLocalTimeout bounds each snippet. Zero means no bound.
func WithLocalTimeout(d time.Duration) LocalOption {
	return func(e *LocalExecutor) { e.timeout = d }
}

// WithLocalEnv adds KEY=VALUE entries to the scrubbed environment.
func WithLocalEnv(kv ...string) LocalOption {
	return func(e *LocalExecutor) { e.env = append(e.env, kv...) }
}

// NewLocalExecutor runs snippets in dir, or the current directory when dir
// is empty.
func NewLocalExecutor(dir string, opts ...LocalOption) *LocalExecutor {
	if dir == "" {
		dir, _ = os.Getwd()
	}
	e := &LocalExecutor{interpreter: "python3", dir: dir, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs code with final_answer predefined. Stderr becomes the Error
// only when the process fails; otherwise it follows stdout in Output.
func (e *LocalExecutor) Execute(ctx context.Context, code string) (*ExecResult, error) {
	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.interpreter, "-")
	cmd.Dir = e.dir
	cmd.Env = append(scrubEnv(os.Environ()), e.env...)
	cmd.Stdin = strings.NewReader(pythonPrelude + code)
	// The snippet gets its own process group; cancellation kills all of it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second

	var stdout, stderr strings.Builder
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := &ExecResult{Output: stdout.String(), DurationMs: time.Since(start).Milliseconds()}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		res.Output += stderr.String()
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(runCtx.Err(), context.DeadlineExceeded):
		// The caller's deadline may fire first when it matches e.timeout.
		res.TimedOut = true
		res.ExitCode = -1
		res.Error = "execution timed out"
		if e.timeout > 0 {
			res.Error += " after " + e.timeout.String()
		}
	case ctx.Err() != nil:
		return nil, fmt.Errorf("local executor: %w", ctx.Err())
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Error = strings.TrimSpace(stderr.String())
	default:
		return nil, fmt.Errorf("local executor: %w", runErr)
	}
	return res, nil
}

// ListTools reports the helpers predefined for every snippet.
func (e *LocalExecutor) ListTools(context.Context) ([]ToolDescriptor, error) {
	return []ToolDescriptor{FinalAnswerTool}, nil
}

var secretSuffixes = []string{"_API_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIAL", "_CREDENTIALS"}

// secretEnvName reports whether an environment variable looks like a
// credential.
func secretEnvName(name string) bool {
	upper := strings.ToUpper(name)
	for _, s := range secretSuffixes {
		if strings.HasSuffix(upper, s) {
			return true
		}
	}
	return false
}

func scrubEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if ok && !secretEnvName(name) {
			out = append(out, kv)
		}
	}
	return out
}
