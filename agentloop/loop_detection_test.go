package agentloop

import "testing"

func TestCodeSignatureIgnoresSurroundingWhitespace(t *testing.T) {
	if codeSignature("print(1)") != codeSignature("  print(1)\n") {
		t.Error("expected equal signatures")
	}
	if codeSignature("print(1)") == codeSignature("print(2)") {
		t.Error("expected different signatures")
	}
}

func TestRepeatDetector(t *testing.T) {
	tests := []struct {
		name   string
		steps  []string
		window int
		want   bool
	}{
		{"same step three times", []string{"a", "a", "a"}, 3, true},
		{"alternating pair", []string{"a", "b", "a", "b"}, 4, true},
		{"cycle of three", []string{"a", "b", "c", "a", "b", "c"}, 6, true},
		{"only recent window counts", []string{"c", "a", "a", "a"}, 3, true},
		{"no pattern", []string{"a", "b", "c"}, 3, false},
		{"pair does not fit odd window", []string{"a", "b", "a"}, 3, false},
		{"too short", []string{"a", "a"}, 3, false},
		{"disabled", []string{"a", "a", "a"}, 0, false},
		{"window of one", []string{"a"}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newRepeatDetector(tt.window)
			var got bool
			for _, code := range tt.steps {
				got = d.observe(code)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
