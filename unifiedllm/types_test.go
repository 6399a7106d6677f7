package unifiedllm

import "testing"

func TestFinishReasonOf(t *testing.T) {
	cases := map[string]FinishReason{
		"":               FinishStop,
		"stop":           FinishStop,
		"end_turn":       FinishStop,
		"eos":            FinishStop,
		"length":         FinishLength,
		"max_tokens":     FinishLength,
		"content_filter": FinishContentFilter,
		"error":          FinishError,
		"tool_calls":     FinishOther,
	}
	for raw, want := range cases {
		if got := finishReasonOf(raw); got != want {
			t.Errorf("finishReasonOf(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestUsageAddAccumulatesAcrossIterations(t *testing.T) {
	var total Usage
	for _, u := range []Usage{
		{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
		{InputTokens: 150, OutputTokens: 30, TotalTokens: 180, ReasoningTokens: 12},
	} {
		total = total.Add(u)
	}
	want := Usage{InputTokens: 250, OutputTokens: 50, TotalTokens: 300, ReasoningTokens: 12}
	if total != want {
		t.Errorf("got %+v, want %+v", total, want)
	}
}

func TestResponseAccessors(t *testing.T) {
	resp := Response{Message: Message{Role: RoleAssistant, Content: "The answer is 42.", Reasoning: "6*7"}}
	if resp.Text() != "The answer is 42." || resp.Reasoning() != "6*7" {
		t.Errorf("got text %q reasoning %q", resp.Text(), resp.Reasoning())
	}
}
