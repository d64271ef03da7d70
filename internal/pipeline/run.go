package pipeline

import (
	"context"
	"fmt"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/config"
)

// Trigger names what caused a run to start.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerPoll     Trigger = "poll"
)

// Run is one execution of a pipeline.
type Run struct {
	ID          string        `json:"id"`
	Pipeline    string        `json:"pipeline"`
	Number      int           `json:"number"`
	Trigger     Trigger       `json:"trigger"`
	Agent       string        `json:"agent,omitempty"`
	Result      Result        `json:"result"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	Stages      []StageResult `json:"stages,omitempty"`
	Tests       TestCounts    `json:"tests"`
	ConsolePath string        `json:"console_path,omitempty"`
}

// DisplayName is the human-facing run identifier used in notifications.
func (r *Run) DisplayName() string {
	return fmt.Sprintf("%s #%d", r.Pipeline, r.Number)
}

// StageResult records the outcome of one stage.
type StageResult struct {
	Name     string        `json:"name"`
	Result   Result        `json:"result"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Steps    []StepResult  `json:"steps,omitempty"`
}

// StepResult records the outcome of one step within a stage.
type StepResult struct {
	Name           string        `json:"name"`
	Result         Result        `json:"result"`
	Duration       time.Duration `json:"duration"`
	MaskedExitCode *int          `json:"masked_exit_code,omitempty"`
	Summary        string        `json:"summary,omitempty"`
}

// TestCounts aggregates published test-report numbers for the run.
type TestCounts struct {
	Tests    int `json:"tests"`
	Failures int `json:"failures"`
	Errors   int `json:"errors"`
	Skipped  int `json:"skipped"`
}

// RunContext is handed to each step during execution.
type RunContext struct {
	Run     *Run
	Console ConsoleWriter
	Workdir string
	Env     map[string]string
}

// ConsoleWriter receives the raw console output of a run.
type ConsoleWriter interface {
	Write(p []byte) (int, error)
	Printf(format string, args ...any)
}

// StepOutcome is what a step reports when it completes without a fatal error.
// Contribution feeds the run result independently of the stage's own
// pass/fail: this keeps the process exit status and the test-report signal
// decoupled, so a masked script failure still surfaces through the report.
type StepOutcome struct {
	Contribution   Result
	MaskedExitCode *int
	Summary        string
	Tests          *TestCounts
}

// Step is a single executable unit within a stage. Returning an error is
// fatal: the stage fails and later stages do not execute.
type Step interface {
	Name() string
	Run(ctx context.Context, rc *RunContext) (StepOutcome, error)
}

// StepFactory turns declarative step configuration into executable steps.
type StepFactory interface {
	New(cfg config.Step) (Step, error)
}
