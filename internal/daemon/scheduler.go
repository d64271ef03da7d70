package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
)

// Enqueuer accepts run requests from triggers.
type Enqueuer interface {
	Enqueue(req *RunRequest) error
}

// Scheduler wraps gocron for cron-style pipeline triggers.
type Scheduler struct {
	scheduler gocron.Scheduler
	enqueuer  Enqueuer
}

// NewScheduler creates a scheduler feeding the given queue.
func NewScheduler(enqueuer Enqueuer) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, enqueuer: enqueuer}, nil
}

// AddPipeline registers a schedule trigger. The expression is either a
// five-field cron spec or "@every <duration>".
func (s *Scheduler) AddPipeline(name, label, expression string) error {
	definition, err := jobDefinition(expression)
	if err != nil {
		return fmt.Errorf("pipeline %s: %w", name, err)
	}

	_, err = s.scheduler.NewJob(
		definition,
		gocron.NewTask(s.trigger, name, label),
		gocron.WithName(fmt.Sprintf("%s-schedule", name)),
	)
	if err != nil {
		return fmt.Errorf("pipeline %s: schedule job: %w", name, err)
	}
	slog.Info("Pipeline schedule registered",
		logfields.Pipeline(name), logfields.ScheduleName(expression))
	return nil
}

func jobDefinition(expression string) (gocron.JobDefinition, error) {
	if after, ok := strings.CutPrefix(expression, "@every "); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(after))
		if err != nil {
			return nil, fmt.Errorf("parse @every interval %q: %w", after, err)
		}
		return gocron.DurationJob(interval), nil
	}
	return gocron.CronJob(expression, false), nil
}

func (s *Scheduler) trigger(name, label string) {
	req := &RunRequest{
		ID:       fmt.Sprintf("schedule-%s-%d", name, time.Now().Unix()),
		Pipeline: name,
		Trigger:  pipeline.TriggerSchedule,
		Label:    label,
	}
	if err := s.enqueuer.Enqueue(req); err != nil {
		slog.Warn("Failed to enqueue scheduled run",
			logfields.Pipeline(name), logfields.Error(err))
	}
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop shuts the scheduler down, waiting for in-flight trigger callbacks.
func (s *Scheduler) Stop(ctx context.Context) error {
	return s.scheduler.Shutdown()
}
