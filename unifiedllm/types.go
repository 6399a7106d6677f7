package unifiedllm

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn. Reasoning carries the separate chain of
// thought that reasoning models return next to the answer; it is never sent
// back to a provider.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

func SystemMessage(text string) Message    { return Message{Role: RoleSystem, Content: text} }
func UserMessage(text string) Message      { return Message{Role: RoleUser, Content: text} }
func AssistantMessage(text string) Message { return Message{Role: RoleAssistant, Content: text} }

// FinishReason is the normalized reason generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
	FinishOther         FinishReason = "other"
)

// finishReasonOf maps a provider's finish reason onto FinishReason. A missing
// reason counts as a normal stop.
func finishReasonOf(raw string) FinishReason {
	switch raw {
	case "", "stop", "end_turn", "stop_sequence", "eos":
		return FinishStop
	case "length", "max_tokens":
		return FinishLength
	case "content_filter":
		return FinishContentFilter
	case "error":
		return FinishError
	}
	return FinishOther
}

// Usage counts tokens. Providers that do not report usage leave it zero or
// estimated.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	TotalTokens     int `json:"total_tokens"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// Add returns the field-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:     u.InputTokens + o.InputTokens,
		OutputTokens:    u.OutputTokens + o.OutputTokens,
		TotalTokens:     u.TotalTokens + o.TotalTokens,
		ReasoningTokens: u.ReasoningTokens + o.ReasoningTokens,
	}
}

// Request is one completion call. Nil sampling fields use the provider
// default.
type Request struct {
	Model         string            `json:"model"`
	Provider      string            `json:"provider,omitempty"`
	Messages      []Message         `json:"messages"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type Response struct {
	ID              string       `json:"id"`
	Model           string       `json:"model"`
	Provider        string       `json:"provider"`
	Message         Message      `json:"message"`
	FinishReason    FinishReason `json:"finish_reason"`
	RawFinishReason string       `json:"raw_finish_reason,omitempty"`
	Usage           Usage        `json:"usage"`
}

// Text returns the answer text of the reply.
func (r Response) Text() string { return r.Message.Content }

// Reasoning returns the reply's separate chain of thought, if any.
func (r Response) Reasoning() string { return r.Message.Reasoning }

// Float64 returns a pointer to v, for optional sampling parameters.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
