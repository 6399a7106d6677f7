package agentloop

import (
	"github.com/LinjingBi/code-agent/unifiedllm"
)

// Role tags a message in the conversation log.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in the conversation log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ConversationState is the ordered message log of one run. It is created
// fresh for every question and only ever appended to.
type ConversationState struct {
	messages []Message
}

// NewConversationState seeds a log with the system prompt and the question.
func NewConversationState(systemPrompt, question string) *ConversationState {
	return &ConversationState{
		messages: []Message{
			{Role: RoleSystem, Content: systemPrompt},
			{Role: RoleUser, Content: question},
		},
	}
}

// Append adds a message to the end of the log.
func (c *ConversationState) Append(role Role, content string) {
	c.messages = append(c.messages, Message{Role: role, Content: content})
}

// Len returns the number of messages.
func (c *ConversationState) Len() int { return len(c.messages) }

// Messages returns a copy of the log.
func (c *ConversationState) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// ToLLMMessages converts the log into completion request messages, preserving
// order and roles.
func (c *ConversationState) ToLLMMessages() []unifiedllm.Message {
	out := make([]unifiedllm.Message, 0, len(c.messages))
	for _, m := range c.messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, unifiedllm.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, unifiedllm.UserMessage(m.Content))
		case RoleAssistant:
			out = append(out, unifiedllm.AssistantMessage(m.Content))
		}
	}
	return out
}
