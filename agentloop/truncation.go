package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Observation limits used when none are configured.
const (
	DefaultObservationChars = 20000
	DefaultObservationLines = 400
)

// TruncateObservation keeps the head and tail of output so that it fits in
// maxChars characters and maxLines lines, marking what was cut. A limit of
// zero disables that check. Characters are counted as runes.
func TruncateObservation(output string, maxChars, maxLines int) string {
	return cutLines(cutChars(output, maxChars), maxLines)
}

func cutChars(s string, max int) string {
	n := utf8.RuneCountInString(s)
	if max <= 0 || n <= max {
		return s
	}
	runes := []rune(s)
	head := max / 2
	tail := max - head
	return string(runes[:head]) +
		fmt.Sprintf("\n\n[WARNING: Observation was truncated. %d characters were removed from the middle. "+
			"Print less output or target the part you need.]\n\n", n-max) +
		string(runes[n-tail:])
}

func cutLines(s string, max int) string {
	if max <= 0 || strings.Count(s, "\n") < max {
		return s
	}
	lines := strings.Split(s, "\n")
	head := max / 2
	tail := max - head
	var b strings.Builder
	b.WriteString(strings.Join(lines[:head], "\n"))
	fmt.Fprintf(&b, "\n[... %d lines omitted ...]\n", len(lines)-max)
	b.WriteString(strings.Join(lines[len(lines)-tail:], "\n"))
	return b.String()
}
