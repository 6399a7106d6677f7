package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newCompatServer(t *testing.T, handler http.HandlerFunc) (*OpenAICompatAdapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAICompatAdapter("sk-test", WithBaseURL(srv.URL+"/api/v1"), WithDefaultModel("default-model")), srv
}

func TestOpenAICompatComplete(t *testing.T) {
	var got chatCompletionRequest
	adapter, _ := newCompatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{
			"id": "gen-1",
			"model": "deepseek/deepseek-r1",
			"choices": [{"message": {"role": "assistant", "content": "Thought: t\nCode: c", "reasoning": "hmm"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19, "completion_tokens_details": {"reasoning_tokens": 3}}
		}`))
	})

	resp, err := adapter.Complete(context.Background(), Request{
		Model:       "deepseek/deepseek-r1",
		Messages:    []Message{SystemMessage("sys"), UserMessage("q")},
		Temperature: Float64(0.7),
		TopP:        Float64(0.95),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Thought: t\nCode: c" {
		t.Errorf("unexpected text %q", resp.Text())
	}
	if resp.Reasoning() != "hmm" {
		t.Errorf("unexpected reasoning %q", resp.Reasoning())
	}
	if resp.Usage.TotalTokens != 19 || resp.Usage.ReasoningTokens != 3 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if resp.FinishReason != FinishStop || resp.RawFinishReason != "stop" {
		t.Errorf("unexpected finish reason %q (%q)", resp.FinishReason, resp.RawFinishReason)
	}
	if resp.Provider != "openrouter" {
		t.Errorf("expected provider openrouter, got %q", resp.Provider)
	}

	if got.Model != "deepseek/deepseek-r1" {
		t.Errorf("unexpected model %q", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "q" {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
	if got.Temperature == nil || *got.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", got.Temperature)
	}
	if got.TopP == nil || *got.TopP != 0.95 {
		t.Errorf("expected top_p 0.95, got %v", got.TopP)
	}
}

func TestOpenAICompatDefaultModel(t *testing.T) {
	var got chatCompletionRequest
	adapter, _ := newCompatServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	})
	resp, err := adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("q")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Model != "default-model" || resp.Model != "default-model" {
		t.Errorf("expected default model, request=%q response=%q", got.Model, resp.Model)
	}
	if resp.ID == "" {
		t.Error("expected generated response id")
	}
}

func TestOpenAICompatErrorStatus(t *testing.T) {
	tests := []struct {
		status     int
		body       string
		kind       ErrorKind
		message    string
		retryAfter time.Duration
		retryable  bool
	}{
		{401, `{"error": {"message": "No auth credentials found", "code": 401}}`, KindAuthentication, "No auth credentials found", 3 * time.Second, false},
		{402, `{"error": {"message": "Insufficient credits", "code": 402}}`, KindQuotaExceeded, "Insufficient credits", 3 * time.Second, false},
		{429, `{"error": {"message": "Rate limit exceeded", "code": 429}}`, KindRateLimit, "Rate limit exceeded", 3 * time.Second, true},
		{502, `bad gateway`, KindServer, "bad gateway", 3 * time.Second, true},
	}
	for _, tt := range tests {
		adapter, _ := newCompatServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(tt.body))
		})
		_, err := adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("q")}})
		var e *Error
		if !errors.As(err, &e) {
			t.Fatalf("status %d: expected *Error, got %T: %v", tt.status, err, err)
		}
		if e.Kind != tt.kind || e.StatusCode != tt.status || e.Message != tt.message {
			t.Errorf("status %d: got kind=%s status=%d message=%q", tt.status, e.Kind, e.StatusCode, e.Message)
		}
		if e.RetryAfter != tt.retryAfter {
			t.Errorf("status %d: retry after = %s", tt.status, e.RetryAfter)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("status %d: expected retryable=%v", tt.status, tt.retryable)
		}
	}
}

func TestOpenAICompatErrorInOKBody(t *testing.T) {
	adapter, _ := newCompatServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": {"message": "upstream overloaded", "code": "overloaded"}}`))
	})
	_, err := adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("q")}})
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindServer {
		t.Fatalf("expected server error, got %v", err)
	}
	if e.Code != "overloaded" {
		t.Errorf("expected error code overloaded, got %q", e.Code)
	}
}

func TestOpenAICompatNoChoices(t *testing.T) {
	adapter, _ := newCompatServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	})
	_, err := adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("q")}})
	if KindOf(err) != KindUnknown || !IsRetryable(err) {
		t.Fatalf("expected retryable unknown error, got %v", err)
	}
}

func TestOpenAICompatTransportErrors(t *testing.T) {
	adapter := NewOpenAICompatAdapter("sk-test", WithBaseURL("http://127.0.0.1:1"), WithDefaultModel("m"))
	_, err := adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("q")}})
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}

	slow, _ := newCompatServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = slow.Complete(ctx, Request{Messages: []Message{UserMessage("q")}})
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = slow.Complete(cancelled, Request{Messages: []Message{UserMessage("q")}})
	if KindOf(err) != KindAborted || IsRetryable(err) {
		t.Fatalf("expected non-retryable aborted error, got %v", err)
	}
}

func TestOpenAICompatInitialize(t *testing.T) {
	if err := NewOpenAICompatAdapter("").Initialize(); err == nil {
		t.Error("expected error for missing api key")
	}
	if err := NewOpenAICompatAdapter("sk").Initialize(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if name := NewOpenAICompatAdapter("sk", WithProviderName("local")).Name(); name != "local" {
		t.Errorf("expected provider name local, got %q", name)
	}
}
