// Package docker wraps the docker CLI for image builds and containerized
// script execution. It shells out rather than speaking the engine API: the
// runner's contract is the CLI's, matching what operators run by hand.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
)

// Client executes docker commands. Output is streamed to the configured
// writer (typically the run's console log).
type Client struct {
	bin    string
	output io.Writer
}

// Option configures a Client.
type Option func(*Client)

// WithBinary overrides the docker binary path.
func WithBinary(bin string) Option {
	return func(c *Client) { c.bin = bin }
}

// WithOutput sets the writer that receives combined command output.
func WithOutput(w io.Writer) Option {
	return func(c *Client) { c.output = w }
}

// NewClient creates a docker CLI client.
func NewClient(options ...Option) *Client {
	c := &Client{bin: "docker", output: io.Discard}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// BuildOptions describe a docker build invocation.
type BuildOptions struct {
	Context    string
	Dockerfile string
	Tag        string
	BuildArgs  map[string]string
}

// RunOptions describe a docker run invocation that executes a script
// inside a fresh container.
type RunOptions struct {
	Image   string
	Shell   string // defaults to /bin/sh
	Script  string
	Workdir string
	Env     map[string]string
	Volumes []string // host:container mount specs
}

// ExitError reports a docker command that ran but exited non-zero.
type ExitError struct {
	Cmd  string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Cmd, e.Code)
}

// ExitCode extracts the exit code from an error returned by Build or Run.
// The second return is false when the error does not carry one (e.g. the
// binary was not found or the context was canceled).
func ExitCode(err error) (int, bool) {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code, true
	}
	return 0, false
}

// BuildArgs returns the CLI argument list for a build invocation.
func BuildArgs(opts BuildOptions) []string {
	args := []string{"build", "-t", opts.Tag}
	if opts.Dockerfile != "" {
		args = append(args, "-f", opts.Dockerfile)
	}
	// Sorted for deterministic command lines.
	keys := make([]string, 0, len(opts.BuildArgs))
	for k := range opts.BuildArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, opts.BuildArgs[k]))
	}
	return append(args, opts.Context)
}

// RunArgs returns the CLI argument list for a run invocation.
func RunArgs(opts RunOptions) []string {
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	args := []string{"run", "--rm"}
	if opts.Workdir != "" {
		args = append(args, "-w", opts.Workdir)
	}
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}
	for _, v := range opts.Volumes {
		args = append(args, "-v", v)
	}
	return append(args, opts.Image, shell, "-c", opts.Script)
}

// Build builds an image. A non-zero exit is returned as *ExitError.
func (c *Client) Build(ctx context.Context, opts BuildOptions) error {
	if opts.Tag == "" {
		return fmt.Errorf("docker build: tag is required")
	}
	if opts.Context == "" {
		return fmt.Errorf("docker build: context is required")
	}
	return c.exec(ctx, "docker build", BuildArgs(opts))
}

// Run starts a container from the image and executes the script through the
// configured shell. A non-zero script exit is returned as *ExitError; the
// caller decides whether to mask it.
func (c *Client) Run(ctx context.Context, opts RunOptions) error {
	if opts.Image == "" {
		return fmt.Errorf("docker run: image is required")
	}
	return c.exec(ctx, "docker run", RunArgs(opts))
}

func (c *Client) exec(ctx context.Context, name string, args []string) error {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Stdout = c.output
	cmd.Stderr = c.output

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Cmd: name, Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("%s: %w", name, err)
}
