package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/metrics"
	"git.home.luguber.info/inful/conveyor/internal/notify"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
	"git.home.luguber.info/inful/conveyor/internal/state"
	"git.home.luguber.info/inful/conveyor/internal/step"
	"git.home.luguber.info/inful/conveyor/internal/workspace"
)

// runOnce executes a pipeline locally and returns its final result.
func runOnce(cfg *config.Config, pipelinePath string) (pipeline.Result, error) {
	def, err := config.LoadPipeline(pipelinePath)
	if err != nil {
		return "", err
	}

	store, err := state.NewStore(cfg.DatabasePath())
	if err != nil {
		return "", fmt.Errorf("open run history: %w", err)
	}
	defer store.Close()

	opts := []pipeline.RunnerOption{
		pipeline.WithBaseURL(cfg.HTTP.BaseURL),
		pipeline.WithMetrics(metrics.NoopRecorder{}),
	}
	if cfg.SMTP.Enabled() {
		opts = append(opts, pipeline.WithNotifier(notify.NewMailNotifier(cfg.SMTP)))
	}

	runner := pipeline.NewRunner(
		store,
		step.NewFactory(),
		workspace.NewManager(cfg.DataDir),
		opts...,
	)

	run, err := runner.Execute(context.Background(), def, pipeline.RunOptions{
		Trigger: pipeline.TriggerManual,
	})
	if err != nil {
		return "", err
	}

	slog.Info("Run finished",
		"pipeline", run.Pipeline,
		"number", run.Number,
		"result", run.Result.Display(),
		"duration", run.Duration.Round(time.Millisecond),
		"console", run.ConsolePath)
	return run.Result, nil
}

// runValidate loads the pipeline file and, when present, the runner config,
// and reports structural problems.
func runValidate(configPath, pipelinePath string) error {
	if _, err := os.Stat(configPath); err == nil {
		if _, err := config.Load(configPath); err != nil {
			return fmt.Errorf("runner config: %w", err)
		}
		slog.Info("Runner config is valid", "config", configPath)
	}

	def, err := config.LoadPipeline(pipelinePath)
	if err != nil {
		return err
	}

	steps := 0
	for _, stage := range def.Stages {
		steps += len(stage.Steps)
	}
	slog.Info("Pipeline is valid",
		"name", def.Name,
		"stages", len(def.Stages),
		"steps", steps,
		"post_blocks", len(def.Post))
	return nil
}

// runInit writes starter configuration and pipeline files.
func runInit(configPath string, force bool) error {
	pipelinePath := filepath.Join(filepath.Dir(configPath), "pipeline.yaml")
	if err := config.WriteStarterFiles(configPath, pipelinePath, force); err != nil {
		return err
	}
	slog.Info("Starter files written", "config", configPath, "pipeline", pipelinePath)
	return nil
}

// runHistory prints recent runs as a table.
func runHistory(cfg *config.Config, pipelineName string, limit int) error {
	store, err := state.NewStore(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer store.Close()

	runs, err := store.Recent(context.Background(), pipelineName, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PIPELINE\tRUN\tRESULT\tTRIGGER\tSTARTED\tDURATION\tTESTS")
	for _, run := range runs {
		result := "running"
		if run.FinishedAt != nil {
			result = run.Result.Display()
		}
		tests := fmt.Sprintf("%d", run.Tests.Tests)
		if run.Tests.Failures > 0 || run.Tests.Errors > 0 {
			tests = fmt.Sprintf("%d (%d failed)", run.Tests.Tests, run.Tests.Failures+run.Tests.Errors)
		}
		fmt.Fprintf(w, "%s\t#%d\t%s\t%s\t%s\t%s\t%s\n",
			run.Pipeline, run.Number, result, run.Trigger,
			run.StartedAt.Format(time.DateTime),
			run.Duration.Round(time.Millisecond), tests)
	}
	return w.Flush()
}
