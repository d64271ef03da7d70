package step

import (
	"context"
	"fmt"
	"path/filepath"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/junit"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
)

// junitStep publishes test results from XML report files. It never fails the
// stage for test failures: those downgrade the run to unstable through the
// outcome contribution, keeping the report signal independent of exit codes.
type junitStep struct {
	cfg *config.JUnitStep
}

func (s *junitStep) Name() string { return "junit" }

func (s *junitStep) Run(ctx context.Context, rc *pipeline.RunContext) (pipeline.StepOutcome, error) {
	glob := s.cfg.Results
	if !filepath.IsAbs(glob) {
		glob = filepath.Join(rc.Workdir, glob)
	}

	summary, err := junit.Collect(glob)
	if err != nil {
		// A report that exists but cannot be parsed is a real signal: the
		// suite likely crashed mid-write. Surface it as unstable, loudly.
		rc.Console.Printf("Test report unreadable: %v", err)
		return pipeline.StepOutcome{
			Contribution: pipeline.ResultUnstable,
			Summary:      fmt.Sprintf("unreadable test report: %v", err),
		}, nil
	}

	if summary.Empty() {
		return s.handleEmpty(rc, glob)
	}

	rc.Console.Printf("Test results: %s (%d files)", summary, len(summary.Files))
	outcome := pipeline.StepOutcome{
		Summary: summary.String(),
		Tests: &pipeline.TestCounts{
			Tests:    summary.Tests,
			Failures: summary.Failures,
			Errors:   summary.Errors,
			Skipped:  summary.Skipped,
		},
	}
	if !summary.Passed() {
		outcome.Contribution = pipeline.ResultUnstable
	}
	return outcome, nil
}

// handleEmpty applies the configured policy when the glob matches no files.
// "No tests ran" and "tests failed" are different situations; the policy
// decides how loudly the first one is reported.
func (s *junitStep) handleEmpty(rc *pipeline.RunContext, glob string) (pipeline.StepOutcome, error) {
	policy := s.cfg.EmptyPolicy()
	rc.Console.Printf("No test report files matched %s (policy: %s)", glob, policy)

	switch policy {
	case config.EmptyReportPass:
		return pipeline.StepOutcome{Summary: "no test reports found (ignored)"}, nil
	case config.EmptyReportFail:
		return pipeline.StepOutcome{}, fmt.Errorf("no test report files matched %s", s.cfg.Results)
	default: // unstable
		return pipeline.StepOutcome{
			Contribution: pipeline.ResultUnstable,
			Summary:      "no test reports found",
		}, nil
	}
}
