package bootstrap

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LinjingBi/code-agent/agentloop"
	"github.com/LinjingBi/code-agent/internal/config"
)

// fakeOpenRouter answers chat completions with scripted replies.
type fakeOpenRouter struct {
	mu       sync.Mutex
	replies  []string
	requests []map[string]any
}

func (f *fakeOpenRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.requests = append(f.requests, body)
	reply := "Thought: nothing left\nCode: final_answer('none')"
	if len(f.replies) > 0 {
		reply, f.replies = f.replies[0], f.replies[1:]
	}
	f.mu.Unlock()

	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "gen-1",
		"model":   body["model"],
		"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": reply}, "finish_reason": "stop"}},
		"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.LLM.BaseURL = baseURL
	cfg.LLM.APIKey = "sk-test"
	cfg.Executor.Kind = "starlark"
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppRunsQuestionEndToEnd(t *testing.T) {
	model := &fakeOpenRouter{replies: []string{
		"Thought: compute the product first\nCode:\n```py\nx = 6 * 7\nprint(x)\n```",
		`{"thought": "answer it", "code": "final_answer(6 * 7)"}`,
	}}
	srv := httptest.NewServer(model)
	defer srv.Close()

	app, err := New(context.Background(), testConfig(t, srv.URL), discardLogger())
	require.NoError(t, err)
	defer app.Close()

	assert.Contains(t, app.SystemPrompt, "def final_answer(answer: any) -> None:")
	assert.NotContains(t, app.SystemPrompt, "def search(", "search is off by default")

	loop, err := app.NewLoop()
	require.NoError(t, err)
	defer loop.Close()

	res, err := loop.Run(context.Background(), "What is 6*7?")
	require.NoError(t, err)
	assert.Equal(t, agentloop.StatusDone, res.Status)
	assert.Equal(t, "42", res.FinalAnswer)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, "Observation: 42\n", res.Transcript[3].Content)

	model.mu.Lock()
	defer model.mu.Unlock()
	require.Len(t, model.requests, 2)
	assert.Equal(t, "deepseek/deepseek-r1-0528-qwen3-8b:free", model.requests[0]["model"])
	assert.Equal(t, 0.95, model.requests[0]["top_p"])
}

func TestAppFallbackCodeIsSyntaxChecked(t *testing.T) {
	model := &fakeOpenRouter{replies: []string{"Thought: broken\nCode:\n```py\nfinal_answer(\n```"}}
	srv := httptest.NewServer(model)
	defer srv.Close()

	app, err := New(context.Background(), testConfig(t, srv.URL), discardLogger())
	require.NoError(t, err)
	defer app.Close()

	loop, err := app.NewLoop()
	require.NoError(t, err)
	defer loop.Close()

	_, err = loop.Run(context.Background(), "q")
	var lerr *agentloop.LoopError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, agentloop.PhaseParse, lerr.Phase)
}

func TestAppLoopsShareExecutor(t *testing.T) {
	srv := httptest.NewServer(&fakeOpenRouter{})
	defer srv.Close()

	app, err := New(context.Background(), testConfig(t, srv.URL), discardLogger())
	require.NoError(t, err)
	defer app.Close()

	// Closing a loop must not close the app's client or executor.
	for i := 0; i < 2; i++ {
		loop, err := app.NewLoop()
		require.NoError(t, err)
		res, err := loop.Run(context.Background(), "q")
		require.NoError(t, err)
		assert.Equal(t, "none", res.FinalAnswer)
		require.NoError(t, loop.Close())
	}
}

func TestAppSearchTool(t *testing.T) {
	srv := httptest.NewServer(&fakeOpenRouter{})
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Executor.Search = true
	app, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer app.Close()

	assert.Contains(t, app.SystemPrompt, "def search(query: str, max_results: int) -> list:")
}

func TestAppToolDiscoveryFallsBack(t *testing.T) {
	srv := httptest.NewServer(&fakeOpenRouter{})
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Executor.Kind = "grpc"
	cfg.Executor.Address = "127.0.0.1:1"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	app, err := New(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer app.Close()

	names := make([]string, len(app.Tools))
	for i, tool := range app.Tools {
		names[i] = tool.Name
	}
	assert.Equal(t, []string{"final_answer", "search"}, names)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.New()
	cfg.Agent.MaxIter = 0
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "agent.max_iter")
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	cfg := config.New()
	cfg.LLM.APIKey = ""
	_, err := NewClient(cfg, discardLogger())
	assert.Error(t, err)
}

func TestNewExecutorKinds(t *testing.T) {
	for _, kind := range []string{"grpc", "kernel", "starlark", "local"} {
		cfg := config.New()
		cfg.Executor.Kind = kind
		e, err := NewExecutor(cfg, discardLogger())
		require.NoError(t, err, kind)
		assert.NotNil(t, e, kind)
		if c, ok := e.(io.Closer); ok {
			_ = c.Close()
		}
	}

	cfg := config.New()
	cfg.Executor.Kind = "docker"
	_, err := NewExecutor(cfg, discardLogger())
	assert.Error(t, err)
}

func TestSyntaxChecker(t *testing.T) {
	c := SyntaxChecker("starlark", discardLogger())
	require.NotNil(t, c)
	assert.ErrorContains(t, c.CheckSyntax(context.Background(), "def f(:"), "SyntaxError")
	assert.NoError(t, c.CheckSyntax(context.Background(), "final_answer(1)"))
}
