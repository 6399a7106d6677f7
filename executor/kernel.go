package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/LinjingBi/code-agent/agentloop"
)

// DefaultKernelGateway is the address of a local Jupyter kernel gateway.
const DefaultKernelGateway = "http://localhost:8888"

// defaultDiscoveryCode prints the kernel's tool registry as a JSON list.
const defaultDiscoveryCode = `import json
from tools import tool_registry
print(json.dumps(list(tool_registry.get_tools().values())))`

// ErrKernelDead is returned when the gateway reports the kernel as dead.
var ErrKernelDead = errors.New("kernel died")

// KernelExecutor runs code in a Jupyter kernel behind a kernel gateway. The
// kernel keeps state between calls, so variables defined by one step are
// visible to the next. Calls are serialized.
type KernelExecutor struct {
	baseURL       *url.URL
	httpClient    *http.Client
	dialer        *websocket.Dialer
	pollInterval  time.Duration
	maxPolls      int
	discoveryCode string
	logger        *slog.Logger

	mu       sync.Mutex
	kernelID string
	session  string
}

// KernelOption configures a KernelExecutor.
type KernelOption func(*KernelExecutor)

// WithKernelHTTPClient sets the client used for the REST API.
func WithKernelHTTPClient(c *http.Client) KernelOption {
	return func(k *KernelExecutor) {
		k.httpClient = c
	}
}

// WithKernelPolling sets how often and how many times the kernel status is
// polled while waiting for it to become idle.
func WithKernelPolling(interval time.Duration, maxPolls int) KernelOption {
	return func(k *KernelExecutor) {
		k.pollInterval = interval
		k.maxPolls = maxPolls
	}
}

// WithDiscoveryCode overrides the snippet run by ListTools. It must print a
// JSON list of tool descriptors.
func WithDiscoveryCode(code string) KernelOption {
	return func(k *KernelExecutor) {
		k.discoveryCode = code
	}
}

// WithKernelLogger sets the logger.
func WithKernelLogger(l *slog.Logger) KernelOption {
	return func(k *KernelExecutor) {
		if l != nil {
			k.logger = l
		}
	}
}

// NewKernelExecutor creates an executor for the gateway at address, either a
// URL or a bare host:port. No kernel is created until Start or the first
// Execute.
func NewKernelExecutor(address string, opts ...KernelOption) (*KernelExecutor, error) {
	if address == "" {
		address = DefaultKernelGateway
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(strings.TrimRight(address, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse kernel gateway address: %w", err)
	}
	k := &KernelExecutor{
		baseURL:       u,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		dialer:        &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		pollInterval:  time.Second,
		maxPolls:      30,
		discoveryCode: defaultDiscoveryCode,
		logger:        slog.Default(),
		session:       uuid.New().String(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// KernelID returns the id of the running kernel, or "" before Start.
func (k *KernelExecutor) KernelID() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kernelID
}

// Start creates a kernel and waits until it is idle. It is a no-op when a
// kernel is already running.
func (k *KernelExecutor) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.startLocked(ctx)
}

func (k *KernelExecutor) startLocked(ctx context.Context) error {
	if k.kernelID != "" {
		return nil
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := k.doJSON(ctx, http.MethodPost, "/api/kernels", &created); err != nil {
		return fmt.Errorf("create kernel: %w", err)
	}
	if created.ID == "" {
		return fmt.Errorf("create kernel: gateway returned no id")
	}
	k.logger.Info("created kernel", "kernel_id", created.ID)

	if err := k.waitIdle(ctx, created.ID); err != nil {
		_ = k.deleteKernel(created.ID)
		return err
	}
	k.kernelID = created.ID
	return nil
}

func (k *KernelExecutor) waitIdle(ctx context.Context, id string) error {
	var lastErr error
	for i := 0; i < k.maxPolls; i++ {
		var status struct {
			ExecutionState string `json:"execution_state"`
		}
		err := k.doJSON(ctx, http.MethodGet, "/api/kernels/"+id, &status)
		switch {
		case err != nil:
			lastErr = err
			k.logger.Warn("could not check kernel status", "kernel_id", id, "error", err)
		case status.ExecutionState == "idle":
			return nil
		case status.ExecutionState == "dead":
			return fmt.Errorf("kernel %s: %w", id, ErrKernelDead)
		default:
			k.logger.Debug("waiting for kernel", "kernel_id", id, "state", status.ExecutionState)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(k.pollInterval):
		}
	}
	if lastErr != nil {
		return fmt.Errorf("kernel %s did not become ready: %w", id, lastErr)
	}
	return fmt.Errorf("kernel %s did not become ready after %d polls", id, k.maxPolls)
}

// kernelMessage is the subset of the Jupyter messaging protocol used here.
type kernelMessage struct {
	Header       kernelHeader   `json:"header"`
	ParentHeader kernelHeader   `json:"parent_header"`
	Metadata     map[string]any `json:"metadata"`
	Content      map[string]any `json:"content"`
	Channel      string         `json:"channel,omitempty"`
}

type kernelHeader struct {
	MsgID    string `json:"msg_id,omitempty"`
	MsgType  string `json:"msg_type,omitempty"`
	Session  string `json:"session,omitempty"`
	Username string `json:"username,omitempty"`
	Version  string `json:"version,omitempty"`
	Date     string `json:"date,omitempty"`
}

// Execute implements agentloop.Executor. stream output is joined with
// newlines; an error frame becomes "<ename>: <evalue>" with exit code 1.
func (k *KernelExecutor) Execute(ctx context.Context, code string) (*agentloop.ExecResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.startLocked(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := k.executeLocked(ctx, code)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			k.interrupt(k.kernelID)
			return &agentloop.ExecResult{
				Error:      "execution timed out",
				ExitCode:   -1,
				TimedOut:   true,
				DurationMs: time.Since(start).Milliseconds(),
			}, nil
		}
		return nil, err
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}

func (k *KernelExecutor) executeLocked(ctx context.Context, code string) (*agentloop.ExecResult, error) {
	conn, _, err := k.dialer.DialContext(ctx, k.channelsURL(k.kernelID), nil)
	if err != nil {
		return nil, fmt.Errorf("connect to kernel %s: %w", k.kernelID, err)
	}
	defer conn.Close()

	// Unblock ReadJSON when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	msgID := uuid.New().String()
	req := kernelMessage{
		Header: kernelHeader{
			MsgID:    msgID,
			MsgType:  "execute_request",
			Session:  k.session,
			Username: "code-agent",
			Version:  "5.3",
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
		},
		Metadata: map[string]any{},
		Content: map[string]any{
			"code":             code,
			"silent":           false,
			"store_history":    true,
			"user_expressions": map[string]any{},
			"allow_stdin":      false,
		},
		Channel: "shell",
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send execute_request: %w", err)
	}

	var output []string
	var execErr string
	for {
		var msg kernelMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read kernel message: %w", err)
		}
		if msg.ParentHeader.MsgID != "" && msg.ParentHeader.MsgID != msgID {
			continue
		}
		switch msg.Header.MsgType {
		case "stream":
			if text, ok := msg.Content["text"].(string); ok {
				output = append(output, text)
			}
		case "error":
			execErr = fmt.Sprintf("%v: %v", msg.Content["ename"], msg.Content["evalue"])
		case "execute_reply":
			res := &agentloop.ExecResult{
				Output: strings.Join(output, "\n"),
				Error:  execErr,
			}
			if execErr != "" {
				res.ExitCode = 1
			}
			return res, nil
		}
	}
}

// ListTools implements agentloop.ToolLister by running the discovery snippet
// in the kernel.
func (k *KernelExecutor) ListTools(ctx context.Context) ([]agentloop.ToolDescriptor, error) {
	res, err := k.Execute(ctx, k.discoveryCode)
	if err != nil {
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("discover tools: %s", res.Error)
	}
	return decodeToolList([]byte(strings.TrimSpace(res.Output)))
}

// Close shuts down the kernel.
func (k *KernelExecutor) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kernelID == "" {
		return nil
	}
	id := k.kernelID
	k.kernelID = ""
	return k.deleteKernel(id)
}

func (k *KernelExecutor) deleteKernel(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.doJSON(ctx, http.MethodDelete, "/api/kernels/"+id, nil); err != nil {
		k.logger.Error("shutdown kernel", "kernel_id", id, "error", err)
		return fmt.Errorf("shutdown kernel %s: %w", id, err)
	}
	k.logger.Info("shut down kernel", "kernel_id", id)
	return nil
}

func (k *KernelExecutor) interrupt(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.doJSON(ctx, http.MethodPost, "/api/kernels/"+id+"/interrupt", nil); err != nil {
		k.logger.Warn("interrupt kernel", "kernel_id", id, "error", err)
	}
}

func (k *KernelExecutor) channelsURL(id string) string {
	u := *k.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/kernels/" + id + "/channels"
	return u.String()
}

func (k *KernelExecutor) doJSON(ctx context.Context, method, path string, out any) error {
	u := *k.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// decodeToolList decodes a JSON list of tool descriptors, keeping the order
// in which each tool's inputs appear.
func decodeToolList(data []byte) ([]agentloop.ToolDescriptor, error) {
	var raw []struct {
		agentloop.ToolDescriptor
		RawInputs json.RawMessage `json:"inputs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	tools := make([]agentloop.ToolDescriptor, 0, len(raw))
	for _, r := range raw {
		t := r.ToolDescriptor
		if len(r.RawInputs) > 0 {
			if err := json.Unmarshal(r.RawInputs, &t.Inputs); err != nil {
				return nil, fmt.Errorf("decode inputs of %s: %w", t.Name, err)
			}
			order, err := objectKeys(r.RawInputs)
			if err != nil {
				return nil, fmt.Errorf("decode inputs of %s: %w", t.Name, err)
			}
			t.InputOrder = order
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// objectKeys returns the top-level keys of a JSON object in document order.
func objectKeys(obj json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(obj))
	if tok, err := dec.Token(); err != nil {
		return nil, err
	} else if tok != json.Delim('{') {
		return nil, nil
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
