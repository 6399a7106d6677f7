package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// OpenRouterBaseURL is the default endpoint for OpenAICompatAdapter.
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"

	chatCompletionsPath   = "/chat/completions"
	maxResponseBodyBytes  = 4 << 20
	defaultRequestTimeout = 120 * time.Second
)

// OpenAICompatAdapter talks to any OpenAI-compatible /chat/completions
// endpoint. It is the default adapter for OpenRouter.
type OpenAICompatAdapter struct {
	name        string
	apiKey      string
	model       string
	endpointURL string
	headers     map[string]string
	httpClient  *http.Client
}

// OpenAICompatOption configures an OpenAICompatAdapter.
type OpenAICompatOption func(*OpenAICompatAdapter)

// WithBaseURL overrides the API base URL.
func WithBaseURL(baseURL string) OpenAICompatOption {
	return func(a *OpenAICompatAdapter) {
		if baseURL != "" {
			a.endpointURL = strings.TrimRight(baseURL, "/") + chatCompletionsPath
		}
	}
}

// WithDefaultModel sets the model used when a request leaves Model empty.
func WithDefaultModel(model string) OpenAICompatOption {
	return func(a *OpenAICompatAdapter) {
		a.model = model
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) OpenAICompatOption {
	return func(a *OpenAICompatAdapter) {
		if c != nil {
			a.httpClient = c
		}
	}
}

// WithHeader adds a static header to every request (OpenRouter uses
// HTTP-Referer and X-Title for attribution).
func WithHeader(key, value string) OpenAICompatOption {
	return func(a *OpenAICompatAdapter) {
		a.headers[key] = value
	}
}

// WithProviderName overrides the provider identifier reported by Name.
func WithProviderName(name string) OpenAICompatOption {
	return func(a *OpenAICompatAdapter) {
		a.name = name
	}
}

// NewOpenAICompatAdapter creates an adapter for an OpenAI-compatible endpoint.
func NewOpenAICompatAdapter(apiKey string, opts ...OpenAICompatOption) *OpenAICompatAdapter {
	a := &OpenAICompatAdapter{
		name:        "openrouter",
		apiKey:      strings.TrimSpace(apiKey),
		endpointURL: OpenRouterBaseURL + chatCompletionsPath,
		headers:     make(map[string]string),
		httpClient:  &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the provider identifier.
func (a *OpenAICompatAdapter) Name() string { return a.name }

// Initialize reports a missing API key before the first request.
func (a *OpenAICompatAdapter) Initialize() error {
	if a.apiKey == "" {
		return fmt.Errorf("%s: api key is required", a.name)
	}
	return nil
}

// Close releases idle HTTP connections.
func (a *OpenAICompatAdapter) Close() error {
	a.httpClient.CloseIdleConnections()
	return nil
}

type chatMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
		Details          struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
	Error *errorPayload `json:"error"`
}

type errorPayload struct {
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code"`
}

// Complete sends a blocking chat completion request.
func (a *OpenAICompatAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	if model == "" {
		return nil, newError(KindConfiguration, a.name, "no model specified", nil)
	}

	payload := chatCompletionRequest{
		Model:       model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopSequences,
	}
	for _, msg := range req.Messages {
		payload.Messages = append(payload.Messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(KindInvalidRequest, a.name, "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpointURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, newError(KindConfiguration, a.name, "build request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, a.transportError(ctx, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, a.transportError(ctx, err)
	}

	var parsed chatCompletionResponse
	decodeErr := json.Unmarshal(body, &parsed)

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		message := strings.TrimSpace(string(body))
		code := ""
		if decodeErr == nil && parsed.Error != nil {
			message = parsed.Error.Message
			code = strings.Trim(string(parsed.Error.Code), `"`)
		}
		var raw map[string]interface{}
		_ = json.Unmarshal(body, &raw)
		return nil, ErrorFromStatus(a.name, httpResp.StatusCode, message, code, raw, retryAfter(httpResp.Header))
	}
	if decodeErr != nil {
		e := newError(KindUnknown, a.name, "decode response", decodeErr)
		e.StatusCode = httpResp.StatusCode
		return nil, e
	}
	// OpenRouter can report upstream failures inside a 200 body.
	if parsed.Error != nil {
		e := newError(KindServer, a.name, parsed.Error.Message, nil)
		e.StatusCode = httpResp.StatusCode
		e.Code = strings.Trim(string(parsed.Error.Code), `"`)
		return nil, e
	}
	if len(parsed.Choices) == 0 {
		e := newError(KindUnknown, a.name, "response contained no choices", nil)
		e.StatusCode = httpResp.StatusCode
		return nil, e
	}

	choice := parsed.Choices[0]
	resp := &Response{
		ID:       parsed.ID,
		Model:    parsed.Model,
		Provider: a.name,
		Message: Message{
			Role:      RoleAssistant,
			Content:   choice.Message.Content,
			Reasoning: choice.Message.Reasoning,
		},
		FinishReason:    finishReasonOf(choice.FinishReason),
		RawFinishReason: choice.FinishReason,
	}
	if resp.ID == "" {
		resp.ID = "resp_" + uuid.New().String()[:8]
	}
	if resp.Model == "" {
		resp.Model = model
	}
	if parsed.Usage != nil {
		resp.Usage = Usage{
			InputTokens:     parsed.Usage.PromptTokens,
			OutputTokens:    parsed.Usage.CompletionTokens,
			TotalTokens:     parsed.Usage.TotalTokens,
			ReasoningTokens: parsed.Usage.Details.ReasoningTokens,
		}
	}
	return resp, nil
}

// transportError classifies a failure that happened before a status code was
// available.
func (a *OpenAICompatAdapter) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return contextError(a.name, ctx, err)
	}
	return newError(KindNetwork, a.name, "request failed", err)
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.ParseFloat(h.Get("Retry-After"), 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
