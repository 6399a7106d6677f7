package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is a minimal Jupyter kernel gateway.
type fakeGateway struct {
	mu          sync.Mutex
	created     int
	deleted     []string
	interrupted int
	polls       int
	states      []string
	codes       []string
}

func (g *fakeGateway) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{}

	mux.HandleFunc("POST /api/kernels", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.created++
		g.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "k1", "name": "python3"})
	})
	mux.HandleFunc("GET /api/kernels/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		state := "idle"
		if g.polls < len(g.states) {
			state = g.states[g.polls]
		}
		g.polls++
		g.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": r.PathValue("id"), "execution_state": state})
	})
	mux.HandleFunc("DELETE /api/kernels/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.deleted = append(g.deleted, r.PathValue("id"))
		g.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/kernels/{id}/interrupt", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.interrupted++
		g.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/kernels/{id}/channels", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req kernelMessage
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		code, _ := req.Content["code"].(string)
		g.mu.Lock()
		g.codes = append(g.codes, code)
		g.mu.Unlock()

		send := func(msgType string, parent string, content map[string]any) {
			_ = conn.WriteJSON(kernelMessage{
				Header:       kernelHeader{MsgID: "reply", MsgType: msgType},
				ParentHeader: kernelHeader{MsgID: parent},
				Content:      content,
				Channel:      "iopub",
			})
		}
		id := req.Header.MsgID

		// Frames of other requests are ignored.
		send("stream", "someone-else", map[string]any{"name": "stdout", "text": "noise"})
		send("status", id, map[string]any{"execution_state": "busy"})
		switch {
		case strings.Contains(code, "sleep"):
			time.Sleep(time.Second)
			return
		case strings.Contains(code, "tool_registry"):
			send("stream", id, map[string]any{"name": "stdout", "text": `[{"name": "search", "description": "Search.", "output_type": "list", "inputs": {"query": {"type": "str"}, "max_results": {"type": "int"}}}]`})
		case strings.Contains(code, "fail"):
			send("stream", id, map[string]any{"name": "stdout", "text": "partial"})
			send("error", id, map[string]any{"ename": "ValueError", "evalue": "bad", "traceback": []string{}})
		default:
			send("stream", id, map[string]any{"name": "stdout", "text": "hello"})
			send("stream", id, map[string]any{"name": "stdout", "text": "world"})
		}
		send("execute_reply", id, map[string]any{"status": "ok"})
	})
	return mux
}

func newKernelFixture(t *testing.T, g *fakeGateway) *KernelExecutor {
	t.Helper()
	srv := httptest.NewServer(g.handler(t))
	t.Cleanup(srv.Close)

	k, err := NewKernelExecutor(strings.TrimPrefix(srv.URL, "http://"), WithKernelPolling(time.Millisecond, 5))
	require.NoError(t, err)
	return k
}

func TestKernelExecute(t *testing.T) {
	g := &fakeGateway{states: []string{"starting", "busy"}}
	k := newKernelFixture(t, g)

	res, err := k.Execute(context.Background(), "print('hello')\nprint('world')")
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", res.Output)
	assert.Empty(t, res.Error)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "k1", k.KernelID())

	_, err = k.Execute(context.Background(), "x = 1")
	require.NoError(t, err)

	require.NoError(t, k.Close())
	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, 1, g.created, "kernel is reused between calls")
	assert.Equal(t, 3, g.polls)
	assert.Equal(t, []string{"k1"}, g.deleted)
	assert.Len(t, g.codes, 2)
}

func TestKernelExecuteError(t *testing.T) {
	k := newKernelFixture(t, &fakeGateway{})
	defer k.Close()

	res, err := k.Execute(context.Background(), "fail()")
	require.NoError(t, err)
	assert.Equal(t, "partial", res.Output)
	assert.Equal(t, "ValueError: bad", res.Error)
	assert.Equal(t, 1, res.ExitCode)
}

func TestKernelDead(t *testing.T) {
	g := &fakeGateway{states: []string{"starting", "dead"}}
	k := newKernelFixture(t, g)

	_, err := k.Execute(context.Background(), "print(1)")
	require.ErrorIs(t, err, ErrKernelDead)
	assert.Empty(t, k.KernelID())

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, []string{"k1"}, g.deleted, "a kernel that fails to start is cleaned up")
}

func TestKernelNeverReady(t *testing.T) {
	g := &fakeGateway{states: []string{"starting", "starting", "starting", "starting", "starting", "starting"}}
	k := newKernelFixture(t, g)

	err := k.Start(context.Background())
	assert.ErrorContains(t, err, "did not become ready")
}

func TestKernelTimeout(t *testing.T) {
	g := &fakeGateway{}
	k := newKernelFixture(t, g)
	defer k.Close()
	require.NoError(t, k.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := k.Execute(ctx, "sleep()")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, 1, g.interrupted)
}

func TestKernelUnavailable(t *testing.T) {
	k, err := NewKernelExecutor("127.0.0.1:1")
	require.NoError(t, err)
	_, err = k.Execute(context.Background(), "print(1)")
	assert.Error(t, err)
	assert.NoError(t, k.Close(), "closing without a kernel is a no-op")
}

func TestKernelListTools(t *testing.T) {
	k := newKernelFixture(t, &fakeGateway{})
	defer k.Close()

	tools, err := k.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)
	assert.Equal(t, []string{"query", "max_results"}, tools[0].InputOrder)
	assert.Equal(t, "def search(query: str, max_results: int) -> list:\n    \"\"\"\nSearch.\n    \"\"\"", tools[0].Signature())
}

func TestKernelChannelsURL(t *testing.T) {
	k, err := NewKernelExecutor("https://gateway.example/base/")
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example/base/api/kernels/abc/channels", k.channelsURL("abc"))
}
