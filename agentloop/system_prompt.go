package agentloop

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// ToolInput describes one parameter of a tool.
type ToolInput struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description" yaml:"description"`
}

// ToolDescriptor is the metadata of a function callable from executed code.
// It is used only to render the system prompt.
type ToolDescriptor struct {
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description" yaml:"description"`
	OutputType  string               `json:"output_type" yaml:"output_type"`
	Inputs      map[string]ToolInput `json:"inputs" yaml:"inputs"`
	// InputOrder lists parameter names in call order. Names not listed are
	// rendered after it in lexical order.
	InputOrder []string `json:"input_order,omitempty" yaml:"input_order,omitempty"`
}

// FinalAnswerTool describes the helper every executor predefines.
var FinalAnswerTool = ToolDescriptor{
	Name:        "final_answer",
	Description: "Provides a final answer to the given problem.",
	OutputType:  "None",
	Inputs: map[string]ToolInput{
		"answer": {Type: "any", Description: "The final answer to the problem"},
	},
}

// orderedInputs returns parameter names in call order.
func (t ToolDescriptor) orderedInputs() []string {
	seen := make(map[string]bool, len(t.Inputs))
	names := make([]string, 0, len(t.Inputs))
	for _, n := range t.InputOrder {
		if _, ok := t.Inputs[n]; ok && !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	var rest []string
	for n := range t.Inputs {
		if !seen[n] {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// Signature renders the tool as a python-style function stub with its
// description as the docstring.
func (t ToolDescriptor) Signature() string {
	names := t.orderedInputs()
	params := make([]string, len(names))
	for i, n := range names {
		params[i] = n + ": " + t.Inputs[n].Type
	}
	return fmt.Sprintf("def %s(%s) -> %s:\n    \"\"\"\n%s\n    \"\"\"", t.Name, strings.Join(params, ", "), t.OutputType, t.Description)
}

// RenderTools renders every tool signature separated by a blank line.
func RenderTools(tools []ToolDescriptor) string {
	parts := make([]string, len(tools))
	for i, t := range tools {
		parts[i] = t.Signature()
	}
	return strings.Join(parts, "\n\n")
}

//go:embed prompts/code_agent.yaml
var defaultPromptYAML []byte

// DefaultAuthorizedImports is substituted when no import policy is configured.
const DefaultAuthorizedImports = "any import is allowed"

// PromptTemplate is a system prompt template loaded from YAML.
type PromptTemplate struct {
	SystemPrompt string `yaml:"system_prompt"`

	tmpl *template.Template
}

// PromptData is the data a PromptTemplate is rendered with.
type PromptData struct {
	Tools             string
	AuthorizedImports string
}

// ParsePromptTemplate parses a YAML document with a system_prompt key.
func ParsePromptTemplate(data []byte) (*PromptTemplate, error) {
	var pt PromptTemplate
	if err := yaml.Unmarshal(data, &pt); err != nil {
		return nil, fmt.Errorf("decode prompt template: %w", err)
	}
	if strings.TrimSpace(pt.SystemPrompt) == "" {
		return nil, fmt.Errorf("prompt template: system_prompt is empty")
	}
	tmpl, err := template.New("system_prompt").Option("missingkey=error").Parse(pt.SystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	pt.tmpl = tmpl
	return &pt, nil
}

// LoadPromptTemplate reads a template file. An empty path selects the
// built-in template.
func LoadPromptTemplate(path string) (*PromptTemplate, error) {
	if path == "" {
		return DefaultPromptTemplate(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt template: %w", err)
	}
	return ParsePromptTemplate(data)
}

// DefaultPromptTemplate returns the built-in template.
func DefaultPromptTemplate() *PromptTemplate {
	pt, err := ParsePromptTemplate(defaultPromptYAML)
	if err != nil {
		panic(err)
	}
	return pt
}

// Render executes the template.
func (p *PromptTemplate) Render(data PromptData) (string, error) {
	var sb strings.Builder
	if err := p.tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt template: %w", err)
	}
	return sb.String(), nil
}

// BuildSystemPrompt renders tmpl with the given tool table. An empty
// authorizedImports selects DefaultAuthorizedImports.
func BuildSystemPrompt(tmpl *PromptTemplate, tools []ToolDescriptor, authorizedImports string) (string, error) {
	if tmpl == nil {
		tmpl = DefaultPromptTemplate()
	}
	if authorizedImports == "" {
		authorizedImports = DefaultAuthorizedImports
	}
	return tmpl.Render(PromptData{
		Tools:             RenderTools(tools),
		AuthorizedImports: authorizedImports,
	})
}
