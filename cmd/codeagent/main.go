// Command codeagent answers questions by alternating model reasoning with
// code execution.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/LinjingBi/code-agent/internal/config"
	"github.com/LinjingBi/code-agent/internal/logging"
	"github.com/LinjingBi/code-agent/internal/transcript"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cli := CLI{Globals: Globals{Stdout: os.Stdout, Stderr: os.Stderr}}
	ctx := kong.Parse(&cli,
		kong.Name("codeagent"),
		kong.Description("A code agent that reasons in Thought/Code steps and runs the code."),
		kong.UsageOnError(),
		kongVars(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// load reads the config, applies flag overrides and builds the logger.
func (g *Globals) load(override func(*config.Config)) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: g.Stderr,
	})
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openStore(ctx context.Context, cfg *config.Config) (*transcript.Store, error) {
	store, err := transcript.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Fprintf(g.Stdout, "codeagent %s (%s)\n", version, commit)
	return nil
}
