// Command codeexecutor serves the CodeExecutor gRPC service backed by a local
// executor.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/LinjingBi/code-agent/executor"
	"github.com/LinjingBi/code-agent/internal/bootstrap"
	"github.com/LinjingBi/code-agent/internal/config"
	"github.com/LinjingBi/code-agent/internal/logging"
)

var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Config    string           `short:"c" type:"path" help:"Config file path (default: ./codeagent.toml if present)"`
	Listen    string           `short:"l" help:"Listen address (overrides executor.listen)"`
	Executor  string           `short:"e" enum:"starlark,local" default:"starlark" help:"Backing executor (starlark, local)"`
	WorkDir   string           `help:"Working directory for the local executor"`
	Search    bool             `help:"Expose the web search tool to Starlark code"`
	LogLevel  string           `help:"Log level (debug, info, warn, error)"`
	LogFormat string           `help:"Log format (text, json)"`
	Version   kong.VersionFlag `help:"Show version information"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("codeexecutor"),
		kong.Description("gRPC code execution service for codeagent."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := cli.run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (c *CLI) config() (*config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	cfg.Executor.Kind = c.Executor
	if c.Listen != "" {
		cfg.Executor.Listen = c.Listen
	}
	if c.WorkDir != "" {
		cfg.Executor.WorkDir = c.WorkDir
	}
	if c.Search {
		cfg.Executor.Search = true
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Log.Format = c.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *CLI) run() error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.Executor.Listen)
	if err != nil {
		return err
	}
	return serve(ctx, lis, cfg, logger)
}

// serve runs the gRPC server on lis until ctx is cancelled.
func serve(ctx context.Context, lis net.Listener, cfg *config.Config, logger *slog.Logger) error {
	exec, err := bootstrap.NewExecutor(cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := exec.(io.Closer); ok {
		defer closer.Close()
	}

	g := grpc.NewServer(executor.ServerCodec())
	executor.NewServer(exec, executor.WithServerLogger(logger)).Register(g)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("code executor listening", "address", lis.Addr().String(), "executor", cfg.Executor.Kind)
		return g.Serve(lis)
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down code executor")
		g.GracefulStop()
		return nil
	})
	return eg.Wait()
}
