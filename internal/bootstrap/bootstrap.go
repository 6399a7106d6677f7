// Package bootstrap wires configuration into the LLM client, the executor and
// the agent loop.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/LinjingBi/code-agent/agentloop"
	"github.com/LinjingBi/code-agent/executor"
	"github.com/LinjingBi/code-agent/internal/config"
	"github.com/LinjingBi/code-agent/unifiedllm"
)

// App holds the long-lived pieces shared by every run.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Client       *unifiedllm.Client
	SystemPrompt string
	Tools        []agentloop.ToolDescriptor

	checker     agentloop.SyntaxChecker
	shared      agentloop.Executor
	newExecutor func() (agentloop.Executor, error)
	closeShared func() error
}

// New builds an App. Tool discovery failures fall back to the built-in
// table so the agent can still start when the executor is down.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, Client: client}
	if err := a.setupExecutor(); err != nil {
		_ = client.Close()
		return nil, err
	}

	a.Tools = a.discoverTools(ctx)

	tmpl, err := agentloop.LoadPromptTemplate(cfg.Agent.PromptFile)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.SystemPrompt, err = agentloop.BuildSystemPrompt(tmpl, a.Tools, cfg.Agent.AuthorizedImports)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// NewClient creates the LLM client for cfg.LLM.
func NewClient(cfg *config.Config, logger *slog.Logger) (*unifiedllm.Client, error) {
	var adapter unifiedllm.ProviderAdapter
	switch cfg.LLM.Provider {
	case "openrouter":
		adapter = unifiedllm.NewOpenAICompatAdapter(cfg.LLM.APIKey,
			unifiedllm.WithBaseURL(cfg.LLM.BaseURL),
			unifiedllm.WithDefaultModel(cfg.LLM.Model),
			unifiedllm.WithHeader("X-Title", "code-agent"),
		)
	default:
		a, err := unifiedllm.NewGollmAdapter(unifiedllm.GollmConfig{
			Provider:    cfg.LLM.Provider,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})
		if err != nil {
			return nil, err
		}
		adapter = a
	}

	mw := []unifiedllm.Middleware{unifiedllm.LoggingMiddleware(logger)}
	if cfg.LLM.MaxRetries > 0 {
		policy := unifiedllm.DefaultRetryPolicy()
		policy.MaxRetries = cfg.LLM.MaxRetries
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			logger.Warn("retrying completion", "attempt", attempt, "delay", delay, "error", err)
		}
		mw = append(mw, unifiedllm.RetryMiddleware(policy))
	}

	return unifiedllm.NewClient(
		unifiedllm.WithProvider(cfg.LLM.Provider, adapter),
		unifiedllm.WithDefaultProvider(cfg.LLM.Provider),
		unifiedllm.WithMiddleware(mw...),
	)
}

// NewExecutor creates the executor selected by cfg.Executor.Kind.
func NewExecutor(cfg *config.Config, logger *slog.Logger) (agentloop.Executor, error) {
	ec := cfg.Executor
	switch ec.Kind {
	case "grpc":
		e, err := executor.NewGRPCExecutor(ec.Address)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "kernel":
		e, err := executor.NewKernelExecutor(ec.GatewayURL, executor.WithKernelLogger(logger))
		if err != nil {
			return nil, err
		}
		return e, nil
	case "starlark":
		opts := []executor.StarlarkOption{
			executor.WithStarlarkTimeout(cfg.Agent.ExecutionTimeout),
			executor.WithStarlarkLogger(logger),
		}
		if ec.Search {
			opts = append(opts, executor.WithSearcher(executor.NewDuckDuckGo()))
		}
		return executor.NewStarlarkExecutor(opts...), nil
	case "local":
		var opts []agentloop.LocalOption
		if cfg.Agent.ExecutionTimeout > 0 {
			opts = append(opts, agentloop.WithLocalTimeout(cfg.Agent.ExecutionTimeout))
		}
		return agentloop.NewLocalExecutor(ec.WorkDir, opts...), nil
	}
	return nil, fmt.Errorf("unknown executor kind %q", ec.Kind)
}

// SyntaxChecker picks the checker for fallback-path code: Starlark's parser
// for the Starlark executor, python3's for the others when it is installed.
func SyntaxChecker(kind string, logger *slog.Logger) agentloop.SyntaxChecker {
	if kind == "starlark" {
		return executor.StarlarkSyntax
	}
	py := agentloop.NewPythonSyntaxChecker()
	if py.Available() {
		return py
	}
	logger.Warn("python3 not found, code syntax is not checked before execution")
	return nil
}

func (a *App) setupExecutor() error {
	a.checker = SyntaxChecker(a.Config.Executor.Kind, a.Logger)

	// A kernel holds interpreter state, so every run gets its own.
	if a.Config.Executor.Kind == "kernel" {
		a.newExecutor = func() (agentloop.Executor, error) {
			return NewExecutor(a.Config, a.Logger)
		}
		return nil
	}

	exec, err := NewExecutor(a.Config, a.Logger)
	if err != nil {
		return err
	}
	a.shared = exec
	a.newExecutor = func() (agentloop.Executor, error) {
		return sharedExecutor{exec}, nil
	}
	a.closeShared = func() error {
		if c, ok := exec.(io.Closer); ok {
			return c.Close()
		}
		return nil
	}
	return nil
}

func (a *App) discoverTools(ctx context.Context) []agentloop.ToolDescriptor {
	exec := a.shared
	if exec == nil {
		e, err := a.newExecutor()
		if err != nil {
			a.Logger.Warn("tool discovery skipped", "error", err)
			return executor.DefaultTools()
		}
		if c, ok := e.(io.Closer); ok {
			defer c.Close()
		}
		exec = e
	}

	lister, ok := exec.(agentloop.ToolLister)
	if !ok {
		return executor.DefaultTools()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	tools, err := lister.ListTools(ctx)
	if err != nil || len(tools) == 0 {
		a.Logger.Warn("tool discovery failed, using built-in tools", "error", err)
		return executor.DefaultTools()
	}
	a.Logger.Debug("discovered tools", "count", len(tools))
	return tools
}

// NewLoop returns a Loop for one question. Closing it releases only what
// belongs to that run.
func (a *App) NewLoop(opts ...agentloop.Option) (*agentloop.Loop, error) {
	exec, err := a.newExecutor()
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}
	lc := a.Config.LoopConfig()
	lc.SystemPrompt = a.SystemPrompt

	opts = append([]agentloop.Option{
		agentloop.WithLogger(a.Logger),
		agentloop.WithSyntaxChecker(a.checker),
	}, opts...)
	loop, err := agentloop.NewLoop(lc, sharedCompleter{a.Client}, exec, opts...)
	if err != nil {
		if c, ok := exec.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return loop, nil
}

// Close releases the client and the shared executor.
func (a *App) Close() error {
	var errs []error
	if a.closeShared != nil {
		errs = append(errs, a.closeShared())
	}
	if a.Client != nil {
		errs = append(errs, a.Client.Close())
	}
	return errors.Join(errs...)
}

// sharedExecutor and sharedCompleter hide Close from Loop.Close; the App
// owns them.
type sharedExecutor struct{ agentloop.Executor }

type sharedCompleter struct{ agentloop.Completer }
