package agentloop

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestExtractCodeBlock(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"python tag", "```python\nprint(1)\n```", "print(1)"},
		{"py tag", "```py\nprint(2)\n```", "print(2)"},
		{"no tag", "```\nprint(3)\n```", "print(3)"},
		{"other tag", "```starlark\nprint(4)\n```", "print(4)"},
		{"first block wins", "```py\na = 1\n```\ntext\n```py\nb = 2\n```", "a = 1"},
		{"surrounding prose", "Here you go:\n```py\n  x = 5  \n```\nDone.", "x = 5"},
		{"no fence", "  print('plain')  ", "print('plain')"},
		{"multi-line", "```py\nfor i in range(3):\n    print(i)\n```", "for i in range(3):\n    print(i)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCodeBlock(tt.in); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestExtractAndValidateIdempotent(t *testing.T) {
	v := NewCodeBlockValidator(SyntaxCheckerFunc(func(context.Context, string) error { return nil }))
	inputs := []string{
		"print(1)",
		"```py\nx = [1, 2]\nprint(sum(x))\n```",
		"def f():\n    return 1\n\nprint(f())",
	}
	for _, in := range inputs {
		first, err := v.ExtractAndValidate(context.Background(), in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		second, err := v.ExtractAndValidate(context.Background(), first)
		if err != nil {
			t.Fatalf("unexpected error on second pass: %v", err)
		}
		if first != second {
			t.Errorf("not idempotent: %q then %q", first, second)
		}
	}
}

func TestExtractAndValidateEmpty(t *testing.T) {
	v := NewCodeBlockValidator(nil)
	_, err := v.ExtractAndValidate(context.Background(), "```py\n\n```")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %T", err)
	}
}

func TestExtractAndValidatePassesExtractedCode(t *testing.T) {
	var seen string
	v := NewCodeBlockValidator(SyntaxCheckerFunc(func(_ context.Context, code string) error {
		seen = code
		return nil
	}))
	if _, err := v.ExtractAndValidate(context.Background(), "```py\nprint(1)\n```"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "print(1)" {
		t.Errorf("checker saw %q", seen)
	}
}

func TestPythonSyntaxChecker(t *testing.T) {
	checker := NewPythonSyntaxChecker()
	if !checker.Available() {
		t.Skip("python3 not available")
	}

	if err := checker.CheckSyntax(context.Background(), "x = 1\nprint(x)"); err != nil {
		t.Errorf("unexpected error for valid code: %v", err)
	}

	err := checker.CheckSyntax(context.Background(), "def f(:\n    pass")
	if err == nil {
		t.Fatal("expected error for invalid code")
	}
	if !strings.Contains(err.Error(), "invalid python code") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestPythonSyntaxCheckerMissingInterpreter(t *testing.T) {
	checker := &PythonSyntaxChecker{Interpreter: "definitely-not-a-python-binary"}
	if checker.Available() {
		t.Skip("unexpected interpreter on PATH")
	}
	if err := checker.CheckSyntax(context.Background(), "x = 1"); err == nil {
		t.Error("expected error when interpreter is missing")
	}
}

func TestExtractAndValidateHonorsCallerCancellation(t *testing.T) {
	v := NewCodeBlockValidator(SyntaxCheckerFunc(func(ctx context.Context, code string) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.ExtractAndValidate(ctx, "print(1)")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the caller's cancellation to reach the checker, got %v", err)
	}
}
