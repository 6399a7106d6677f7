package unifiedllm

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmConfig selects a gollm-backed provider.
type GollmConfig struct {
	Provider    string // gollm provider name: openai, anthropic, ollama, groq, ...
	APIKey      string // empty lets gollm read the provider's environment variable
	Model       string
	MaxTokens   int // 0 = 4096
	Temperature float64
	Options     []gollm.ConfigOption
}

// GollmAdapter serves completions for the providers gollm supports natively.
// gollm has a single prompt per call, so the conversation is replayed into
// one prompt with role labels.
type GollmAdapter struct {
	provider string
	model    string

	mu  sync.Mutex // guards per-request SetOption calls on llm
	llm gollm.LLM
}

// NewGollmAdapter builds the gollm LLM described by cfg.
func NewGollmAdapter(cfg GollmConfig) (*GollmAdapter, error) {
	if cfg.Model == "" {
		return nil, newError(KindConfiguration, cfg.Provider, "model is required", nil)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	opts := []gollm.ConfigOption{
		gollm.SetProvider(cfg.Provider),
		gollm.SetModel(cfg.Model),
		gollm.SetMaxTokens(maxTokens),
		gollm.SetTemperature(cfg.Temperature),
		gollm.SetMaxRetries(0), // RetryMiddleware owns retries.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.APIKey != "" {
		opts = append(opts, gollm.SetAPIKey(cfg.APIKey))
	}
	opts = append(opts, cfg.Options...)

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, newError(KindConfiguration, cfg.Provider, "create gollm client", err)
	}
	return &GollmAdapter{provider: cfg.Provider, model: cfg.Model, llm: llm}, nil
}

func (a *GollmAdapter) Name() string { return a.provider }

// Complete replays req into a gollm prompt and generates a reply.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := buildGollmPrompt(req)

	a.mu.Lock()
	a.setOptions(req)
	text, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(a.provider, ctx, err)
		}
		return nil, a.classify(err)
	}
	return a.response(req, text), nil
}

// buildGollmPrompt uses the leading system message as the system prompt and
// labels every later non-user turn, so observations stay attributed.
func buildGollmPrompt(req Request) *gollm.Prompt {
	var system string
	var body strings.Builder
	for i, msg := range req.Messages {
		text := msg.Content
		if i == 0 && msg.Role == RoleSystem {
			system = strings.TrimSpace(text)
			continue
		}
		if text == "" {
			continue
		}
		if body.Len() > 0 {
			body.WriteString("\n\n")
		}
		switch msg.Role {
		case RoleUser:
		case RoleAssistant:
			body.WriteString("[Assistant]: ")
		default:
			body.WriteString("[System]: ")
		}
		body.WriteString(text)
	}

	var opts []gollm.PromptOption
	if system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	return gollm.NewPrompt(body.String(), opts...)
}

func (a *GollmAdapter) setOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.TopP != nil {
		a.llm.SetOption("top_p", *req.TopP)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
	if len(req.StopSequences) > 0 {
		a.llm.SetOption("stop", req.StopSequences)
	}
}

func (a *GollmAdapter) response(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}
	// gollm reports no usage, so both sides are estimated.
	var in int
	for _, msg := range req.Messages {
		in += approxTokens(msg.Content)
	}
	out := approxTokens(text)
	return &Response{
		ID:           "gollm-" + uuid.NewString(),
		Model:        model,
		Provider:     a.provider,
		Message:      AssistantMessage(text),
		FinishReason: FinishStop,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

// approxTokens assumes about four characters per token.
func approxTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// gollmErrorRules classify gollm errors, which carry no status code, by
// their text. The first rule with a matching marker wins.
var gollmErrorRules = []struct {
	kind    ErrorKind
	status  int
	markers []string
}{
	{KindAuthentication, 401, []string{"401", "unauthorized", "invalid key", "invalid api key"}},
	{KindQuotaExceeded, 402, []string{"402", "insufficient credits", "quota"}},
	{KindAccessDenied, 403, []string{"403", "forbidden"}},
	{KindNotFound, 404, []string{"404", "not found"}},
	{KindRateLimit, 429, []string{"429", "rate limit"}},
	{KindContextLength, 413, []string{"context length", "too many tokens"}},
	{KindServer, 500, []string{"500", "internal server"}},
	{KindTimeout, 0, []string{"timeout"}},
	{KindContentFilter, 0, []string{"content filter", "safety"}},
}

func (a *GollmAdapter) classify(err error) *Error {
	lower := strings.ToLower(err.Error())
	for _, rule := range gollmErrorRules {
		for _, marker := range rule.markers {
			if strings.Contains(lower, marker) {
				return &Error{Kind: rule.kind, Provider: a.provider, StatusCode: rule.status, Message: "generate failed", Cause: err}
			}
		}
	}
	return &Error{Kind: KindUnknown, Provider: a.provider, Message: "generate failed", Cause: err}
}
