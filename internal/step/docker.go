package step

import (
	"context"
	"fmt"
	"path/filepath"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/docker"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
)

// dockerBuildStep builds a container image. Build failure is fatal: the run
// aborts without executing later stages.
type dockerBuildStep struct {
	cfg *config.DockerBuildStep
	bin string
}

func (s *dockerBuildStep) Name() string { return "docker_build" }

func (s *dockerBuildStep) Run(ctx context.Context, rc *pipeline.RunContext) (pipeline.StepOutcome, error) {
	rc.Console.Printf("Building image %s", s.cfg.Tag)

	client := docker.NewClient(docker.WithBinary(s.bin), docker.WithOutput(rc.Console))
	err := client.Build(ctx, docker.BuildOptions{
		Context:    resolvePath(rc.Workdir, s.cfg.Context),
		Dockerfile: resolvePath(rc.Workdir, s.cfg.Dockerfile),
		Tag:        s.cfg.Tag,
		BuildArgs:  s.cfg.BuildArgs,
	})
	if err != nil {
		return pipeline.StepOutcome{}, fmt.Errorf("build image %s: %w", s.cfg.Tag, err)
	}
	return pipeline.StepOutcome{Summary: fmt.Sprintf("built %s", s.cfg.Tag)}, nil
}

// dockerRunStep starts a container from an image and runs a script inside it.
// The run workspace is mounted so artifacts (test result XML) land on the host.
type dockerRunStep struct {
	cfg *config.DockerRunStep
	bin string
}

func (s *dockerRunStep) Name() string { return "docker_run" }

func (s *dockerRunStep) Run(ctx context.Context, rc *pipeline.RunContext) (pipeline.StepOutcome, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	workdir := s.cfg.Workdir
	if workdir == "" {
		workdir = "/workspace"
	}

	env := make(map[string]string, len(rc.Env)+len(s.cfg.Env))
	for k, v := range rc.Env {
		env[k] = v
	}
	for k, v := range s.cfg.Env {
		env[k] = v
	}

	volumes := append([]string{fmt.Sprintf("%s:%s", rc.Workdir, workdir)}, s.cfg.Volumes...)

	rc.Console.Printf("Running script in %s", s.cfg.Image)
	client := docker.NewClient(docker.WithBinary(s.bin), docker.WithOutput(rc.Console))
	err := client.Run(ctx, docker.RunOptions{
		Image:   s.cfg.Image,
		Shell:   s.cfg.Shell,
		Script:  s.cfg.Script,
		Workdir: workdir,
		Env:     env,
		Volumes: volumes,
	})
	if err == nil {
		return pipeline.StepOutcome{}, nil
	}
	if ctx.Err() != nil {
		return pipeline.StepOutcome{}, ctx.Err()
	}

	if code, ok := docker.ExitCode(err); ok && s.cfg.MaskExitCode {
		// The script's exit status is discarded; whether the suite passed
		// is decided by the junit step reading the report files.
		rc.Console.Printf("Container script exited with code %d (masked)", code)
		return pipeline.StepOutcome{
			MaskedExitCode: &code,
			Summary:        fmt.Sprintf("exit code %d masked", code),
		}, nil
	}
	return pipeline.StepOutcome{}, fmt.Errorf("run script in %s: %w", s.cfg.Image, err)
}

// resolvePath anchors relative paths at the run workspace.
func resolvePath(workdir, path string) string {
	if path == "" || workdir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workdir, path)
}
