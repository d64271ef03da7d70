package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline is a declarative pipeline definition (pipeline.yaml).
type Pipeline struct {
	Name        string            `yaml:"name"`
	Agent       AgentRequirement  `yaml:"agent,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Stages      []Stage           `yaml:"stages"`
	Post        []PostBlock       `yaml:"post,omitempty"`
}

// AgentRequirement names the capability label an execution host must carry.
// Only meaningful in daemon mode; one-shot runs execute locally.
type AgentRequirement struct {
	Label string `yaml:"label,omitempty"`
}

// Stage is a named, ordered unit of work. Stages run strictly sequentially;
// a failing stage aborts the run without executing later stages.
type Stage struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is a tagged union: exactly one of the pointer fields must be set.
type Step struct {
	Sh          *ShStep          `yaml:"sh,omitempty"`
	DockerBuild *DockerBuildStep `yaml:"docker_build,omitempty"`
	DockerRun   *DockerRunStep   `yaml:"docker_run,omitempty"`
	JUnit       *JUnitStep       `yaml:"junit,omitempty"`
}

// Kind returns the step type name, or "" when no variant is set.
func (s Step) Kind() string {
	switch {
	case s.Sh != nil:
		return "sh"
	case s.DockerBuild != nil:
		return "docker_build"
	case s.DockerRun != nil:
		return "docker_run"
	case s.JUnit != nil:
		return "junit"
	}
	return ""
}

func (s Step) variantCount() int {
	n := 0
	if s.Sh != nil {
		n++
	}
	if s.DockerBuild != nil {
		n++
	}
	if s.DockerRun != nil {
		n++
	}
	if s.JUnit != nil {
		n++
	}
	return n
}

// ShStep executes a shell script on the host.
type ShStep struct {
	Script       string        `yaml:"script"`
	Shell        string        `yaml:"shell,omitempty"` // defaults to /bin/sh
	MaskExitCode bool          `yaml:"mask_exit_code,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

// DockerBuildStep builds a container image from a build context.
type DockerBuildStep struct {
	Context    string            `yaml:"context"`
	Dockerfile string            `yaml:"dockerfile,omitempty"`
	Tag        string            `yaml:"tag"`
	BuildArgs  map[string]string `yaml:"build_args,omitempty"`
}

// DockerRunStep starts a container from an image and runs a script inside it.
// With MaskExitCode set the script's exit status is discarded: the step reports
// success and test outcome is surfaced only through a junit step downstream.
type DockerRunStep struct {
	Image        string            `yaml:"image"`
	Shell        string            `yaml:"shell,omitempty"` // defaults to /bin/sh
	Script       string            `yaml:"script"`
	Workdir      string            `yaml:"workdir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Volumes      []string          `yaml:"volumes,omitempty"`
	MaskExitCode bool              `yaml:"mask_exit_code,omitempty"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"`
}

// JUnitStep publishes test results from XML files matching a glob.
type JUnitStep struct {
	Results string `yaml:"results"`
	OnEmpty string `yaml:"on_empty,omitempty"` // pass | unstable | fail
}

// EmptyReportPolicy decides what a junit step does when its glob matches no files.
type EmptyReportPolicy string

const (
	EmptyReportPass     EmptyReportPolicy = "pass"
	EmptyReportUnstable EmptyReportPolicy = "unstable"
	EmptyReportFail     EmptyReportPolicy = "fail"
)

var emptyReportNormalizer = newNormalizer(map[string]EmptyReportPolicy{
	"pass":     EmptyReportPass,
	"unstable": EmptyReportUnstable,
	"fail":     EmptyReportFail,
}, EmptyReportUnstable)

// EmptyPolicy returns the normalized on_empty policy (default: unstable).
func (j JUnitStep) EmptyPolicy() EmptyReportPolicy {
	return emptyReportNormalizer.Normalize(j.OnEmpty)
}

// PostCondition decides whether a post block fires for a finished run.
type PostCondition string

const (
	PostAlways   PostCondition = "always"
	PostChanged  PostCondition = "changed"
	PostSuccess  PostCondition = "success"
	PostUnstable PostCondition = "unstable"
	PostFailure  PostCondition = "failure"
)

var postConditionNormalizer = newNormalizer(map[string]PostCondition{
	"always":   PostAlways,
	"changed":  PostChanged,
	"success":  PostSuccess,
	"unstable": PostUnstable,
	"failure":  PostFailure,
}, PostAlways)

// PostBlock runs after all stages regardless of outcome, gated on its condition.
type PostBlock struct {
	When string      `yaml:"when,omitempty"`
	Mail *MailConfig `yaml:"mail,omitempty"`
}

// Condition returns the normalized post condition (default: always).
func (p PostBlock) Condition() PostCondition {
	return postConditionNormalizer.Normalize(p.When)
}

// MailConfig declares a notification email. Subject and Body are
// text/template strings rendered against the run's notification context.
type MailConfig struct {
	To      []string `yaml:"to"`
	Subject string   `yaml:"subject"`
	Body    string   `yaml:"body"`
}

// LoadPipeline loads and validates a pipeline definition. Environment
// variables referenced as ${VAR} expand from the pipeline's own environment
// block first, then from the process environment.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return ParsePipeline(data)
}

// envRefPattern matches ${NAME} references. Bare $name tokens are never
// touched, so shell text inside step scripts ($?, $1, $PATH) survives
// parsing verbatim.
var envRefPattern = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// expandEnvRefs substitutes ${NAME} references from env first, then from
// the process environment. References that resolve nowhere are left as-is.
func expandEnvRefs(data string, env map[string]string) string {
	return envRefPattern.ReplaceAllStringFunc(data, func(ref string) string {
		key := ref[2 : len(ref)-1]
		if v, ok := env[key]; ok {
			return v
		}
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return ref
	})
}

// ParsePipeline parses and validates a pipeline definition from raw YAML.
func ParsePipeline(data []byte) (*Pipeline, error) {
	// First pass: extract the environment block so its values are
	// available for expansion in the second pass.
	var env struct {
		Environment map[string]string `yaml:"environment"`
	}
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}

	expanded := expandEnvRefs(string(data), env.Environment)

	var p Pipeline
	if err := yaml.Unmarshal([]byte(expanded), &p); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the pipeline definition for structural errors.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline: name is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %s: at least one stage is required", p.Name)
	}
	seen := make(map[string]bool, len(p.Stages))
	for i, stage := range p.Stages {
		if stage.Name == "" {
			return fmt.Errorf("pipeline %s: stages[%d]: name is required", p.Name, i)
		}
		if seen[stage.Name] {
			return fmt.Errorf("pipeline %s: duplicate stage name %q", p.Name, stage.Name)
		}
		seen[stage.Name] = true
		if len(stage.Steps) == 0 {
			return fmt.Errorf("pipeline %s: stage %s: at least one step is required", p.Name, stage.Name)
		}
		for j, step := range stage.Steps {
			if err := step.validate(); err != nil {
				return fmt.Errorf("pipeline %s: stage %s: steps[%d]: %w", p.Name, stage.Name, j, err)
			}
		}
	}
	for i, post := range p.Post {
		if _, err := postConditionNormalizer.NormalizeWithError(post.When); err != nil {
			return fmt.Errorf("pipeline %s: post[%d]: %w", p.Name, i, err)
		}
		if post.Mail == nil {
			return fmt.Errorf("pipeline %s: post[%d]: an action (mail) is required", p.Name, i)
		}
		if len(post.Mail.To) == 0 {
			return fmt.Errorf("pipeline %s: post[%d]: mail.to must list at least one recipient", p.Name, i)
		}
	}
	return nil
}

func (s Step) validate() error {
	switch n := s.variantCount(); {
	case n == 0:
		return fmt.Errorf("step has no recognized type (expected one of sh, docker_build, docker_run, junit)")
	case n > 1:
		return fmt.Errorf("step declares %d types, exactly one is allowed", n)
	}
	switch {
	case s.Sh != nil:
		if s.Sh.Script == "" {
			return fmt.Errorf("sh: script is required")
		}
	case s.DockerBuild != nil:
		if s.DockerBuild.Context == "" {
			return fmt.Errorf("docker_build: context is required")
		}
		if s.DockerBuild.Tag == "" {
			return fmt.Errorf("docker_build: tag is required")
		}
	case s.DockerRun != nil:
		if s.DockerRun.Image == "" {
			return fmt.Errorf("docker_run: image is required")
		}
		if s.DockerRun.Script == "" {
			return fmt.Errorf("docker_run: script is required")
		}
	case s.JUnit != nil:
		if s.JUnit.Results == "" {
			return fmt.Errorf("junit: results glob is required")
		}
		if _, err := emptyReportNormalizer.NormalizeWithError(s.JUnit.OnEmpty); err != nil {
			return fmt.Errorf("junit: on_empty: %w", err)
		}
	}
	return nil
}
