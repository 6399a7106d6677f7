package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/LinjingBi/code-agent/agentloop"
	"github.com/LinjingBi/code-agent/executor"
	"github.com/LinjingBi/code-agent/internal/bootstrap"
	"github.com/LinjingBi/code-agent/internal/config"
	"github.com/LinjingBi/code-agent/internal/server"
	"github.com/LinjingBi/code-agent/internal/transcript"
)

func (c *AskCmd) Run(g *Globals) error {
	question := strings.TrimSpace(strings.Join(c.Question, " "))
	if question == "" {
		return errors.New("question is empty")
	}
	cfg, logger, err := g.load(func(cfg *config.Config) {
		if c.MaxIter > 0 {
			cfg.Agent.MaxIter = c.MaxIter
		}
		if c.Model != "" {
			cfg.LLM.Model = c.Model
		}
		if c.Executor != "" {
			cfg.Executor.Kind = c.Executor
		}
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	return c.run(ctx, g, app, question)
}

func (c *AskCmd) run(ctx context.Context, g *Globals, app *bootstrap.App, question string) error {
	loop, err := app.NewLoop()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	if c.Events {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enc := json.NewEncoder(g.Stderr)
			for ev := range loop.Events() {
				_ = enc.Encode(ev)
			}
		}()
	}

	res, runErr := loop.Run(ctx, question)
	if err := loop.Close(); err != nil {
		app.Logger.Warn("close loop", "error", err)
	}
	wg.Wait()

	if app.Config.Store.Enabled && !c.NoSave {
		saveRun(app.Config, app.Logger, question, res, runErr)
	}
	return printOutcome(g.Stdout, res, runErr, c.Quiet)
}

func saveRun(cfg *config.Config, logger *slog.Logger, question string, res *agentloop.Result, runErr error) {
	var rec transcript.Record
	if runErr == nil {
		rec = transcript.FromResult(question, cfg.LLM.Model, res)
	} else {
		var ok bool
		if rec, ok = transcript.FromError(question, cfg.LLM.Model, runErr); !ok {
			return
		}
	}
	// The run context may be cancelled by now.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("open transcript store", "error", err)
		return
	}
	defer store.Close()
	if err := store.Save(ctx, rec); err != nil {
		logger.Error("save transcript", "run_id", rec.RunID, "error", err)
		return
	}
	logger.Debug("run recorded", "run_id", rec.RunID, "path", cfg.Store.Path)
}

func printOutcome(w io.Writer, res *agentloop.Result, runErr error, quiet bool) error {
	if runErr != nil {
		var lerr *agentloop.LoopError
		if !quiet && errors.As(runErr, &lerr) {
			fmt.Fprint(w, transcript.Render(lerr.Transcript))
		}
		return runErr
	}
	if quiet {
		if res.Status == agentloop.StatusDone {
			fmt.Fprintln(w, res.FinalAnswer)
			return nil
		}
		return fmt.Errorf("no final answer after %d iterations", res.Iterations)
	}

	fmt.Fprint(w, transcript.Render(res.Transcript))
	fmt.Fprintln(w)
	if res.Status != agentloop.StatusDone {
		return fmt.Errorf("no final answer after %d iterations", res.Iterations)
	}
	fmt.Fprintf(w, "Final answer: %s\n", res.FinalAnswer)
	fmt.Fprintf(w, "(run %s, %d iterations, %s)\n", res.RunID, res.Iterations, res.Duration.Round(time.Millisecond))
	return nil
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, logger, err := g.load(func(cfg *config.Config) {
		if c.Address != "" {
			cfg.Server.Address = c.Address
		}
		if c.Executor != "" {
			cfg.Executor.Kind = c.Executor
		}
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithModel(cfg.LLM.Model),
		server.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	}
	if cfg.Store.Enabled {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, server.WithRecorder(store))
	}

	srv := server.New(cfg.Server.Address, func() (*agentloop.Loop, error) {
		return app.NewLoop()
	}, opts...)
	return srv.Serve(ctx)
}

func (c *ToolsCmd) Run(g *Globals) error {
	cfg, logger, err := g.load(func(cfg *config.Config) {
		if c.Executor != "" {
			cfg.Executor.Kind = c.Executor
		}
	})
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	return c.run(ctx, g.Stdout, cfg, logger)
}

func (c *ToolsCmd) run(ctx context.Context, w io.Writer, cfg *config.Config, logger *slog.Logger) error {
	exec, err := bootstrap.NewExecutor(cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := exec.(io.Closer); ok {
		defer closer.Close()
	}

	tools := executor.DefaultTools()
	if lister, ok := exec.(agentloop.ToolLister); ok {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if tools, err = lister.ListTools(ctx); err != nil {
			return err
		}
	}

	if !c.Prompt {
		fmt.Fprintln(w, agentloop.RenderTools(tools))
		return nil
	}
	tmpl, err := agentloop.LoadPromptTemplate(cfg.Agent.PromptFile)
	if err != nil {
		return err
	}
	prompt, err := agentloop.BuildSystemPrompt(tmpl, tools, cfg.Agent.AuthorizedImports)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, prompt)
	return nil
}

func (c *HistoryCmd) Run(g *Globals) error {
	cfg, _, err := g.load(nil)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(ctx, c.Limit)
	if err != nil {
		return err
	}
	writeHistory(g.Stdout, records)
	return nil
}

func writeHistory(w io.Writer, records []transcript.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no recorded runs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tCREATED\tSTATUS\tITER\tQUESTION")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.RunID, r.CreatedAt.Local().Format(time.DateTime), r.Status, r.Iterations, clip(r.Question, 60))
	}
	_ = tw.Flush()
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}

func (c *ShowCmd) Run(g *Globals) error {
	cfg, _, err := g.load(nil)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Get(ctx, c.RunID)
	if err != nil {
		return err
	}
	return writeRecord(g.Stdout, rec, c.JSON)
}

func writeRecord(w io.Writer, rec *transcript.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	fmt.Fprintf(w, "Run:      %s\n", rec.RunID)
	fmt.Fprintf(w, "Question: %s\n", rec.Question)
	fmt.Fprintf(w, "Model:    %s\n", rec.Model)
	fmt.Fprintf(w, "Status:   %s (%d iterations, %dms)\n", rec.Status, rec.Iterations, rec.DurationMs)
	if rec.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", rec.Error)
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, transcript.Render(rec.Transcript))
	if rec.FinalAnswer != "" {
		fmt.Fprintf(w, "\nFinal answer: %s\n", rec.FinalAnswer)
	}
	return nil
}
