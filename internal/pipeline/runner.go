package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/metrics"
	"git.home.luguber.info/inful/conveyor/internal/observability"
	"git.home.luguber.info/inful/conveyor/internal/workspace"
)

// HistoryStore persists run records and answers previous-result queries.
type HistoryStore interface {
	// RecordStart persists a new in-progress run. A zero Number is
	// allocated by the store, atomically with the insert.
	RecordStart(ctx context.Context, run *Run) error
	// SetConsolePath records the console log location once known.
	SetConsolePath(ctx context.Context, id, path string) error
	RecordFinish(ctx context.Context, run *Run) error
	// LastCompletedBefore returns the most recent finished run with a lower
	// number, or nil when the pipeline has never completed.
	LastCompletedBefore(ctx context.Context, pipeline string, number int) (*Run, error)
}

// NotifyInfo is the data a notification template renders against. Results
// appear in their conventional uppercase display form (SUCCESS, UNSTABLE,
// FAILURE, ABORTED).
type NotifyInfo struct {
	Pipeline       string
	Number         int
	DisplayName    string
	Result         string
	PreviousResult string // empty when there is no previous run
	ConsoleURL     string
	Trigger        Trigger
	Duration       time.Duration
	Tests          TestCounts
}

// Notifier delivers a rendered notification. Delivery failure is logged by
// the runner and never retried or reflected in the run result.
type Notifier interface {
	Notify(ctx context.Context, mail *config.MailConfig, info NotifyInfo) error
}

// EventSink receives run lifecycle events. Implementations must not block
// run execution; delivery is best effort.
type EventSink interface {
	RunStarted(ctx context.Context, run *Run)
	RunFinished(ctx context.Context, run *Run)
	StageStarted(ctx context.Context, run *Run, stage string)
	StageFinished(ctx context.Context, run *Run, stage StageResult)
}

// NoopEvents is the default EventSink.
type NoopEvents struct{}

func (NoopEvents) RunStarted(context.Context, *Run)                 {}
func (NoopEvents) RunFinished(context.Context, *Run)                {}
func (NoopEvents) StageStarted(context.Context, *Run, string)       {}
func (NoopEvents) StageFinished(context.Context, *Run, StageResult) {}

// Runner executes pipeline definitions: stages strictly in order, a failing
// stage aborts the run, post blocks always evaluate afterwards.
type Runner struct {
	store      HistoryStore
	factory    StepFactory
	workspaces *workspace.Manager
	notifier   Notifier
	events     EventSink
	metrics    metrics.Recorder
	baseURL    string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithNotifier sets the notification delivery backend.
func WithNotifier(n Notifier) RunnerOption {
	return func(r *Runner) { r.notifier = n }
}

// WithEvents sets the lifecycle event sink.
func WithEvents(e EventSink) RunnerOption {
	return func(r *Runner) { r.events = e }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithBaseURL sets the external URL prefix used for console-log links.
func WithBaseURL(u string) RunnerOption {
	return func(r *Runner) { r.baseURL = u }
}

// NewRunner creates a pipeline runner.
func NewRunner(store HistoryStore, factory StepFactory, workspaces *workspace.Manager, options ...RunnerOption) *Runner {
	r := &Runner{
		store:      store,
		factory:    factory,
		workspaces: workspaces,
		events:     NoopEvents{},
		metrics:    metrics.NoopRecorder{},
		baseURL:    "http://localhost:8099",
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// RunOptions carry per-run metadata supplied by the caller.
type RunOptions struct {
	Trigger Trigger
	Agent   string
}

// Execute runs the pipeline to completion and returns the finished run.
// A non-nil error means the runner itself could not operate (store or
// workspace failure); pipeline failures are expressed in Run.Result.
func (r *Runner) Execute(ctx context.Context, def *config.Pipeline, opts RunOptions) (*Run, error) {
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}

	run := &Run{
		ID:        uuid.NewString(),
		Pipeline:  def.Name,
		Trigger:   opts.Trigger,
		Agent:     opts.Agent,
		Result:    ResultSuccess,
		StartedAt: time.Now(),
	}

	// The store allocates the build number together with the insert; a run
	// that cannot be recorded must not execute, or history and the changed
	// condition would silently drift.
	if err := r.store.RecordStart(ctx, run); err != nil {
		return nil, fmt.Errorf("record run start: %w", err)
	}

	ws, err := r.workspaces.Prepare(def.Name, run.Number)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	defer ws.Close()
	run.ConsolePath = ws.ConsolePath()
	if err := r.store.SetConsolePath(ctx, run.ID, run.ConsolePath); err != nil {
		slog.Warn("Failed to record console path", logfields.RunID(run.ID), logfields.Error(err))
	}

	ctx = observability.WithRunID(ctx, run.ID)
	ctx = observability.WithPipeline(ctx, def.Name)
	if opts.Agent != "" {
		ctx = observability.WithAgent(ctx, opts.Agent)
	}
	r.events.RunStarted(ctx, run)
	observability.InfoContext(ctx, "Run started",
		slog.Int(logfields.KeyRunNumber, run.Number),
		slog.String(logfields.KeyTrigger, string(run.Trigger)))
	ws.Console().Printf("Starting %s (trigger: %s)", run.DisplayName(), run.Trigger)

	rc := &RunContext{
		Run:     run,
		Console: ws.Console(),
		Workdir: ws.Dir(),
		Env:     def.Environment,
	}

	runStart := time.Now()
	for _, stage := range def.Stages {
		stageResult := r.executeStage(observability.WithStage(ctx, stage.Name), stage, rc)
		run.Stages = append(run.Stages, stageResult)
		run.Result = WorseOf(run.Result, stageResult.Result)
		r.events.StageFinished(ctx, run, stageResult)

		if stageResult.Result == ResultFailure || stageResult.Result == ResultAborted {
			// Fatal tier: no retry, later stages never execute.
			ws.Console().Printf("Stage %q failed, aborting run", stage.Name)
			break
		}
	}

	now := time.Now()
	run.FinishedAt = &now
	run.Duration = now.Sub(runStart)
	r.metrics.ObserveRunDuration(run.Duration)
	r.metrics.IncRunOutcome(string(run.Result))
	r.metrics.SetTestCounts(run.Pipeline, run.Tests.Tests, run.Tests.Failures, run.Tests.Errors, run.Tests.Skipped)

	if err := r.store.RecordFinish(ctx, run); err != nil {
		slog.Warn("Failed to record run finish", logfields.RunID(run.ID), logfields.Error(err))
	}
	r.events.RunFinished(ctx, run)
	observability.InfoContext(ctx, "Run finished",
		slog.String(logfields.KeyResult, string(run.Result)),
		slog.Float64(logfields.KeyDurationMS, float64(run.Duration.Milliseconds())))
	ws.Console().Printf("Finished %s: %s", run.DisplayName(), run.Result)

	r.runPostBlocks(ctx, def, run)

	return run, nil
}

// executeStage runs all steps of one stage sequentially. The first step error
// fails the stage; step result contributions (e.g. a junit step downgrading
// the run) merge into the run result without failing the stage.
func (r *Runner) executeStage(ctx context.Context, stage config.Stage, rc *RunContext) StageResult {
	observability.InfoContext(ctx, "Stage started")
	rc.Console.Printf("== Stage: %s ==", stage.Name)
	r.events.StageStarted(ctx, rc.Run, stage.Name)

	result := StageResult{Name: stage.Name, Result: ResultSuccess}
	start := time.Now()

	for i, stepCfg := range stage.Steps {
		step, err := r.factory.New(stepCfg)
		if err != nil {
			result.Result = ResultFailure
			result.Error = fmt.Sprintf("step %d: %v", i, err)
			break
		}

		stepStart := time.Now()
		outcome, err := step.Run(ctx, rc)
		stepResult := StepResult{
			Name:     step.Name(),
			Result:   ResultSuccess,
			Duration: time.Since(stepStart),
		}

		if err != nil {
			if ctx.Err() != nil {
				stepResult.Result = ResultAborted
				result.Result = ResultAborted
			} else {
				stepResult.Result = ResultFailure
				result.Result = ResultFailure
			}
			result.Error = fmt.Sprintf("step %s: %v", step.Name(), err)
			rc.Console.Printf("Step %s failed: %v", step.Name(), err)
			result.Steps = append(result.Steps, stepResult)
			break
		}

		stepResult.MaskedExitCode = outcome.MaskedExitCode
		stepResult.Summary = outcome.Summary
		if outcome.Contribution != "" {
			// Report-driven signal: merged into the run result, the stage
			// itself stays green. This is the deliberate decoupling of
			// process exit status from test-outcome reporting.
			rc.Run.Result = WorseOf(rc.Run.Result, outcome.Contribution)
			stepResult.Result = outcome.Contribution
		}
		if outcome.Tests != nil {
			rc.Run.Tests.Tests += outcome.Tests.Tests
			rc.Run.Tests.Failures += outcome.Tests.Failures
			rc.Run.Tests.Errors += outcome.Tests.Errors
			rc.Run.Tests.Skipped += outcome.Tests.Skipped
		}
		result.Steps = append(result.Steps, stepResult)
	}

	result.Duration = time.Since(start)
	r.metrics.ObserveStageDuration(stage.Name, result.Duration)
	r.metrics.IncStageResult(stage.Name, string(result.Result))
	observability.InfoContext(ctx, "Stage finished",
		slog.String(logfields.KeyResult, string(result.Result)),
		slog.Float64(logfields.KeyDurationMS, float64(result.Duration.Milliseconds())))
	return result
}

// runPostBlocks evaluates every post block against the finished run. Post
// blocks run regardless of outcome; only their conditions gate the action.
func (r *Runner) runPostBlocks(ctx context.Context, def *config.Pipeline, run *Run) {
	if len(def.Post) == 0 {
		return
	}

	var previous *Result
	prev, err := r.store.LastCompletedBefore(ctx, def.Name, run.Number)
	if err != nil {
		slog.Warn("Failed to look up previous run, treating as first run",
			logfields.Pipeline(def.Name), logfields.Error(err))
	} else if prev != nil {
		previous = &prev.Result
	}

	info := NotifyInfo{
		Pipeline:    run.Pipeline,
		Number:      run.Number,
		DisplayName: run.DisplayName(),
		Result:      run.Result.Display(),
		ConsoleURL:  fmt.Sprintf("%s/runs/%s/console", r.baseURL, run.ID),
		Trigger:     run.Trigger,
		Duration:    run.Duration,
		Tests:       run.Tests,
	}
	if previous != nil {
		info.PreviousResult = previous.Display()
	}

	for i, block := range def.Post {
		cond := block.Condition()
		if !ShouldFire(cond, run.Result, previous) {
			observability.DebugContext(ctx, "Post block skipped",
				slog.Int("post_index", i), slog.String("condition", string(cond)))
			continue
		}
		if block.Mail == nil {
			continue
		}
		if r.notifier == nil {
			slog.Warn("Post block fired but no notifier is configured",
				logfields.Pipeline(def.Name), slog.Int("post_index", i))
			continue
		}
		if err := r.notifier.Notify(ctx, block.Mail, info); err != nil {
			// Delivery failure is not itself handled beyond logging.
			observability.WarnContext(ctx, "Notification delivery failed",
				slog.Int("post_index", i), logfields.Error(err))
		} else {
			observability.InfoContext(ctx, "Notification sent",
				slog.Int("post_index", i), slog.Int("recipients", len(block.Mail.To)))
		}
	}
}
