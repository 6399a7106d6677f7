package agentloop

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func TestLocalExecutorOutput(t *testing.T) {
	requirePython(t)
	e := NewLocalExecutor(t.TempDir())

	res, err := e.Execute(context.Background(), "print('hello')")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "hello\n" || res.Error != "" || res.ExitCode != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestLocalExecutorFinalAnswer(t *testing.T) {
	requirePython(t)
	e := NewLocalExecutor(t.TempDir())

	res, err := e.Execute(context.Background(), "final_answer(6 * 7)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer, ok := DetectFinalAnswer(res.Output); !ok || answer != "42" {
		t.Errorf("expected final answer 42, got %q", res.Output)
	}
}

func TestLocalExecutorError(t *testing.T) {
	requirePython(t)
	e := NewLocalExecutor(t.TempDir())

	res, err := e.Execute(context.Background(), "print('before')\nraise ValueError('bad')")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Error, "ValueError: bad") {
		t.Errorf("expected traceback in error, got %q", res.Error)
	}
	if res.Output != "before\n" {
		t.Errorf("expected stdout kept, got %q", res.Output)
	}
}

func TestLocalExecutorStderrWithoutFailure(t *testing.T) {
	requirePython(t)
	e := NewLocalExecutor(t.TempDir())

	res, err := e.Execute(context.Background(), "import sys\nsys.stderr.write('note\\n')")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error != "" || res.ExitCode != 0 {
		t.Errorf("stderr alone must not be an error: %+v", res)
	}
	if !strings.Contains(res.Output, "note") {
		t.Errorf("expected stderr appended to output, got %q", res.Output)
	}
}

func TestLocalExecutorTimeout(t *testing.T) {
	requirePython(t)
	e := NewLocalExecutor(t.TempDir(), WithLocalTimeout(100*time.Millisecond))

	res, err := e.Execute(context.Background(), "import time\ntime.sleep(5)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Errorf("expected timeout result, got %+v", res)
	}
}

func TestLocalExecutorCallerDeadlineIsTimeout(t *testing.T) {
	requirePython(t)
	e := NewLocalExecutor(t.TempDir(), WithLocalTimeout(0))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := e.Execute(ctx, "import time\ntime.sleep(5)")
	if err != nil {
		t.Fatalf("an expired deadline should be a timed-out result, got %v", err)
	}
	if !res.TimedOut || res.ExitCode != -1 || res.Error != "execution timed out" {
		t.Errorf("expected timeout result, got %+v", res)
	}
}

func TestLocalExecutorCallerCancelIsError(t *testing.T) {
	requirePython(t)
	e := NewLocalExecutor(t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	if _, err := e.Execute(ctx, "import time\ntime.sleep(5)"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDispatcherReportsSnippetTimeoutAsExecutionFailure(t *testing.T) {
	requirePython(t)
	const timeout = 300 * time.Millisecond
	d := NewExecutionDispatcher(
		NewLocalExecutor(t.TempDir(), WithLocalTimeout(timeout)),
		WithExecutionTimeout(timeout),
	)

	obs := d.Run(context.Background(), "import time\ntime.sleep(5)")
	if obs.Unavailable {
		t.Fatalf("a slow snippet is not an unreachable executor: %+v", obs)
	}
	if !obs.IsError || obs.ExitCode != -1 || !strings.Contains(obs.Text, "timed out") {
		t.Errorf("expected a timed-out execution failure, got %+v", obs)
	}
}

func TestLocalExecutorFiltersSecrets(t *testing.T) {
	requirePython(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-secret")
	e := NewLocalExecutor(t.TempDir())

	res, err := e.Execute(context.Background(), "import os\nprint(os.environ.get('OPENROUTER_API_KEY', 'missing'))")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(res.Output) != "missing" {
		t.Errorf("expected API key to be filtered, got %q", res.Output)
	}
}

func TestScrubEnv(t *testing.T) {
	got := scrubEnv([]string{
		"PATH=/usr/bin",
		"OPENROUTER_API_KEY=sk",
		"github_token=ghp",
		"DB_PASSWORD=pw",
		"GOOGLE_APPLICATION_CREDENTIALS=/key.json",
		"HOME=/root",
		"malformed",
	})
	want := []string{"PATH=/usr/bin", "HOME=/root"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("scrubEnv = %v, want %v", got, want)
	}
}

func TestLocalExecutorExtraEnv(t *testing.T) {
	requirePython(t)
	e := NewLocalExecutor(t.TempDir(), WithLocalEnv("CODEAGENT_RUN=yes"))

	res, err := e.Execute(context.Background(), "import os\nprint(os.environ['CODEAGENT_RUN'])")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "yes\n" {
		t.Errorf("expected extra env to reach the snippet, got %+v", res)
	}
}

func TestLocalExecutorMissingInterpreter(t *testing.T) {
	e := NewLocalExecutor(t.TempDir(), WithInterpreter("/nonexistent/python"))
	if _, err := e.Execute(context.Background(), "print(1)"); err == nil {
		t.Error("expected an error when the interpreter cannot start")
	}
}

func TestLocalExecutorListTools(t *testing.T) {
	tools, err := NewLocalExecutor("").ListTools(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "final_answer" {
		t.Errorf("unexpected tools %+v", tools)
	}
}
