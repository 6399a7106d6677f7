package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	thoughtMarker = "Thought:"
	codeMarker    = "Code:"
)

// StepSource records which parsing path produced a Step.
type StepSource int

const (
	// SourceStructured is a JSON object with thought and code fields.
	SourceStructured StepSource = iota
	// SourceFallback is free text with Thought: and Code: markers.
	SourceFallback
)

func (s StepSource) String() string {
	switch s {
	case SourceStructured:
		return "structured"
	case SourceFallback:
		return "fallback"
	}
	return fmt.Sprintf("StepSource(%d)", int(s))
}

// Step is one validated (thought, code) pair produced by the model.
type Step struct {
	Thought string     `json:"thought"`
	Code    string     `json:"code"`
	Source  StepSource `json:"-"`
}

// AssistantContent renders the step as it is recorded in the conversation.
func (s Step) AssistantContent() string {
	return thoughtMarker + " " + s.Thought + "\n" + codeMarker + " " + s.Code
}

// ResponseParser turns raw model text into a Step.
type ResponseParser struct {
	validator *CodeBlockValidator
}

// NewResponseParser creates a parser. Code from the fallback path is passed
// through validator.
func NewResponseParser(validator *CodeBlockValidator) *ResponseParser {
	return &ResponseParser{validator: validator}
}

// Parse tries the structured JSON form first and falls back to section
// markers. Only fallback code is extracted and syntax-checked, under ctx.
func (p *ResponseParser) Parse(ctx context.Context, raw string) (Step, error) {
	trimmed := strings.TrimSpace(raw)

	var obj map[string]json.RawMessage
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &obj) == nil {
		return parseStructured(obj, raw)
	}
	return p.parseFallback(ctx, raw)
}

func parseStructured(obj map[string]json.RawMessage, raw string) (Step, error) {
	thought, err := stringField(obj, "thought")
	if err != nil {
		return Step{}, &ParseError{Message: err.Error(), Raw: raw}
	}
	code, err := stringField(obj, "code")
	if err != nil {
		return Step{}, &ParseError{Message: err.Error(), Raw: raw}
	}
	return Step{Thought: thought, Code: code, Source: SourceStructured}, nil
}

func stringField(obj map[string]json.RawMessage, name string) (string, error) {
	rawVal, ok := obj[name]
	if !ok {
		return "", fmt.Errorf("missing field %q", name)
	}
	var s string
	if err := json.Unmarshal(rawVal, &s); err != nil {
		return "", fmt.Errorf("field %q is not a string", name)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("field %q is empty", name)
	}
	return s, nil
}

func (p *ResponseParser) parseFallback(ctx context.Context, raw string) (Step, error) {
	thoughtStart := strings.Index(raw, thoughtMarker)
	codeStart := strings.Index(raw, codeMarker)
	if thoughtStart == -1 || codeStart == -1 {
		return Step{}, &ParseError{Message: "missing section markers", Raw: raw}
	}

	// Code: ahead of Thought: leaves no room for a thought.
	var thought string
	if begin := thoughtStart + len(thoughtMarker); begin <= codeStart {
		thought = strings.TrimSpace(raw[begin:codeStart])
	}
	if thought == "" {
		return Step{}, &ParseError{Message: "empty thought", Raw: raw}
	}

	code := strings.TrimSpace(raw[codeStart+len(codeMarker):])
	if code == "" {
		return Step{}, &ParseError{Message: "empty code", Raw: raw}
	}

	code, err := p.validator.ExtractAndValidate(ctx, code)
	if err != nil {
		return Step{}, err
	}
	return Step{Thought: thought, Code: code, Source: SourceFallback}, nil
}
