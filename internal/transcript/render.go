package transcript

import (
	"strings"

	"github.com/LinjingBi/code-agent/agentloop"
)

const ruleWidth = 80

// Render formats messages for a terminal: a role header per message, with
// assistant steps split into indented Thought and Code sections.
func Render(messages []agentloop.Message) string {
	var b strings.Builder
	rule := strings.Repeat("=", ruleWidth)
	b.WriteString(rule + "\nCHAT HISTORY\n" + rule + "\n")

	for _, m := range messages {
		role := strings.ToUpper(string(m.Role))
		b.WriteString("\n[" + role + "]\n")
		b.WriteString(strings.Repeat("-", len(role)+2) + "\n")

		if thought, code, ok := splitStep(m.Content); ok {
			b.WriteString("Thought:\n")
			writeIndented(&b, thought)
			b.WriteString("\nCode:\n")
			writeIndented(&b, code)
		} else {
			writeIndented(&b, m.Content)
		}
		b.WriteString(strings.Repeat("-", ruleWidth) + "\n")
	}
	return b.String()
}

func splitStep(content string) (thought, code string, ok bool) {
	if !strings.Contains(content, "Thought:") {
		return "", "", false
	}
	before, after, found := strings.Cut(content, "Code:")
	if !found {
		return "", "", false
	}
	thought = strings.TrimSpace(strings.Replace(before, "Thought:", "", 1))
	return thought, strings.TrimSpace(after), true
}

func writeIndented(b *strings.Builder, text string) {
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("  " + line + "\n")
	}
}
