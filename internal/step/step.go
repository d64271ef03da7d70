// Package step turns declarative step configuration into executable
// pipeline steps.
package step

import (
	"fmt"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
)

// Factory builds steps from configuration. It implements pipeline.StepFactory.
type Factory struct {
	dockerBin string
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithDockerBinary overrides the docker binary used by container steps.
func WithDockerBinary(bin string) FactoryOption {
	return func(f *Factory) { f.dockerBin = bin }
}

// NewFactory creates a step factory.
func NewFactory(options ...FactoryOption) *Factory {
	f := &Factory{dockerBin: "docker"}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// New builds the executable step for one configuration entry.
func (f *Factory) New(cfg config.Step) (pipeline.Step, error) {
	switch {
	case cfg.Sh != nil:
		return &shStep{cfg: cfg.Sh}, nil
	case cfg.DockerBuild != nil:
		return &dockerBuildStep{cfg: cfg.DockerBuild, bin: f.dockerBin}, nil
	case cfg.DockerRun != nil:
		return &dockerRunStep{cfg: cfg.DockerRun, bin: f.dockerBin}, nil
	case cfg.JUnit != nil:
		return &junitStep{cfg: cfg.JUnit}, nil
	}
	return nil, fmt.Errorf("step has no recognized type")
}
