package step

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
)

// shStep executes a shell script on the host in the run's working directory.
type shStep struct {
	cfg *config.ShStep
}

func (s *shStep) Name() string { return "sh" }

func (s *shStep) Run(ctx context.Context, rc *pipeline.RunContext) (pipeline.StepOutcome, error) {
	shell := s.cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, shell, "-c", s.cfg.Script)
	cmd.Dir = rc.Workdir
	cmd.Stdout = rc.Console
	cmd.Stderr = rc.Console
	cmd.Env = mergedEnv(rc.Env)

	err := cmd.Run()
	if err == nil {
		return pipeline.StepOutcome{}, nil
	}
	if ctx.Err() != nil {
		return pipeline.StepOutcome{}, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && s.cfg.MaskExitCode {
		// Deliberate decoupling: the exit status is discarded here; the
		// test outcome travels through the report artifact instead.
		code := exitErr.ExitCode()
		rc.Console.Printf("Script exited with code %d (masked)", code)
		return pipeline.StepOutcome{
			MaskedExitCode: &code,
			Summary:        fmt.Sprintf("exit code %d masked", code),
		}, nil
	}
	return pipeline.StepOutcome{}, fmt.Errorf("script failed: %w", err)
}

// mergedEnv layers the pipeline environment over the process environment.
func mergedEnv(env map[string]string) []string {
	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}
