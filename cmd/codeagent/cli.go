package main

import (
	"io"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Ask     AskCmd     `cmd:"" help:"Answer one question and print the transcript"`
	Serve   ServeCmd   `cmd:"" help:"Serve the agent over HTTP"`
	Tools   ToolsCmd   `cmd:"" help:"List the tools the executor exposes"`
	History HistoryCmd `cmd:"" help:"List recorded runs"`
	Show    ShowCmd    `cmd:"" help:"Show one recorded run"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// Globals are flags shared by every command.
type Globals struct {
	Config    string `short:"c" type:"path" help:"Config file path (default: ./codeagent.toml if present)"`
	LogLevel  string `help:"Log level (debug, info, warn, error)"`
	LogFormat string `help:"Log format (text, json)"`

	Stdout io.Writer `kong:"-"`
	Stderr io.Writer `kong:"-"`
}

// AskCmd runs the loop once.
type AskCmd struct {
	Question []string `arg:"" help:"Question to answer"`
	MaxIter  int      `help:"Iteration budget (overrides config)"`
	Model    string   `short:"m" help:"Model name (overrides config)"`
	Executor string   `short:"e" help:"Executor kind: grpc, kernel, local, starlark (overrides config)"`
	Quiet    bool     `short:"q" help:"Print only the final answer"`
	Events   bool     `help:"Write loop events to stderr as JSON lines"`
	NoSave   bool     `help:"Do not record the run even if the store is enabled"`
}

// ServeCmd runs the HTTP API.
type ServeCmd struct {
	Address  string `short:"a" help:"Listen address (overrides config)"`
	Executor string `short:"e" help:"Executor kind (overrides config)"`
}

// ToolsCmd lists executor tools.
type ToolsCmd struct {
	Executor string `short:"e" help:"Executor kind (overrides config)"`
	Prompt   bool   `help:"Print the rendered system prompt instead"`
}

// HistoryCmd lists recorded runs.
type HistoryCmd struct {
	Limit int `short:"n" default:"20" help:"Maximum number of runs"`
}

// ShowCmd prints one recorded run.
type ShowCmd struct {
	RunID string `arg:"" help:"Run ID"`
	JSON  bool   `help:"Print the record as JSON"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
