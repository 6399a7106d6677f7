package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// fencePattern matches a triple-backtick block with an optional language tag
// on the opening line.
var fencePattern = regexp.MustCompile("(?s)```[^\\n`]*\\n(.*?)```")

// SyntaxChecker validates code against a target language grammar.
type SyntaxChecker interface {
	CheckSyntax(ctx context.Context, code string) error
}

// SyntaxCheckerFunc adapts a function to SyntaxChecker.
type SyntaxCheckerFunc func(ctx context.Context, code string) error

func (f SyntaxCheckerFunc) CheckSyntax(ctx context.Context, code string) error {
	return f(ctx, code)
}

const pythonSyntaxScript = `import ast, sys
try:
    ast.parse(sys.stdin.read())
except SyntaxError as e:
    sys.stderr.write("%s (line %s)" % (e.msg, e.lineno))
    sys.exit(1)
`

// PythonSyntaxChecker parses code with the python3 ast module in a
// subprocess.
type PythonSyntaxChecker struct {
	Interpreter string
	Timeout     time.Duration
}

// NewPythonSyntaxChecker returns a checker using the python3 on PATH.
func NewPythonSyntaxChecker() *PythonSyntaxChecker {
	return &PythonSyntaxChecker{Interpreter: "python3", Timeout: 5 * time.Second}
}

// Available reports whether the interpreter can be found.
func (p *PythonSyntaxChecker) Available() bool {
	_, err := exec.LookPath(p.Interpreter)
	return err == nil
}

func (p *PythonSyntaxChecker) CheckSyntax(ctx context.Context, code string) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.Interpreter, "-c", pythonSyntaxScript)
	cmd.Stdin = strings.NewReader(code)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("syntax check timed out: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("invalid python code: %s", strings.TrimSpace(stderr.String()))
	}
	return fmt.Errorf("run %s: %w", p.Interpreter, err)
}

// CodeBlockValidator extracts an executable snippet from model text and
// validates its syntax.
type CodeBlockValidator struct {
	checker SyntaxChecker
	timeout time.Duration
}

// NewCodeBlockValidator creates a validator. A nil checker disables syntax
// validation; extraction still applies.
func NewCodeBlockValidator(checker SyntaxChecker) *CodeBlockValidator {
	return &CodeBlockValidator{checker: checker, timeout: 10 * time.Second}
}

// ExtractCodeBlock returns the trimmed interior of the first fenced block, or
// the trimmed input when there is none.
func ExtractCodeBlock(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// ExtractAndValidate extracts the code and checks its syntax within the
// validator's timeout. Applying it to its own output returns the same code.
func (v *CodeBlockValidator) ExtractAndValidate(ctx context.Context, text string) (string, error) {
	code := ExtractCodeBlock(text)
	if code == "" {
		return "", &ParseError{Message: "empty code block", Raw: text}
	}
	if v == nil || v.checker == nil {
		return code, nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	if err := v.checker.CheckSyntax(ctx, code); err != nil {
		return "", &ParseError{Message: "invalid code", Raw: code, Cause: err}
	}
	return code, nil
}
