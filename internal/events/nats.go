// Package events publishes run lifecycle events to NATS so external systems
// (dashboards, chat bots) can follow pipeline activity without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
)

// Event is the JSON payload published for every lifecycle transition.
type Event struct {
	Type      string          `json:"type"` // run_started, run_finished, stage_started, stage_finished
	Pipeline  string          `json:"pipeline"`
	RunID     string          `json:"run_id"`
	RunNumber int             `json:"run_number"`
	Trigger   string          `json:"trigger"`
	Result    pipeline.Result `json:"result,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher delivers run events over a NATS connection. Publishing is fire
// and forget: a lost event is logged and never fails or delays the run.
type Publisher struct {
	conn          *nats.Conn
	subjectPrefix string
}

var _ pipeline.EventSink = (*Publisher)(nil)

// NewPublisher connects to the configured NATS server. The connection
// reconnects indefinitely; events raised while disconnected are buffered by
// the client up to its default pending limit.
func NewPublisher(cfg config.NATSConfig) (*Publisher, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("conveyor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "conveyor"
	}

	slog.Info("NATS event publisher connected",
		slog.String("url", cfg.URL), slog.String("subject_prefix", prefix))

	return &Publisher{conn: conn, subjectPrefix: prefix}, nil
}

// Close drains the connection so buffered events flush before shutdown.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

func (p *Publisher) publish(event Event) {
	event.Timestamp = time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("Failed to marshal run event", logfields.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.runs.%s", p.subjectPrefix, event.Pipeline)
	if err := p.conn.Publish(subject, data); err != nil {
		slog.Warn("Failed to publish run event",
			slog.String("subject", subject),
			slog.String("type", event.Type),
			logfields.Error(err))
		return
	}
	slog.Debug("Published run event",
		slog.String("subject", subject),
		slog.String("type", event.Type),
		logfields.RunID(event.RunID))
}

func (p *Publisher) runEvent(eventType string, run *pipeline.Run) Event {
	return Event{
		Type:      eventType,
		Pipeline:  run.Pipeline,
		RunID:     run.ID,
		RunNumber: run.Number,
		Trigger:   string(run.Trigger),
	}
}

// RunQueued reports a request entering the run queue, before a run record
// exists.
func (p *Publisher) RunQueued(pipelineName, requestID string, trigger pipeline.Trigger) {
	p.publish(Event{
		Type:     "run_queued",
		Pipeline: pipelineName,
		RunID:    requestID,
		Trigger:  string(trigger),
	})
}

func (p *Publisher) RunStarted(_ context.Context, run *pipeline.Run) {
	p.publish(p.runEvent("run_started", run))
}

func (p *Publisher) RunFinished(_ context.Context, run *pipeline.Run) {
	event := p.runEvent("run_finished", run)
	event.Result = run.Result
	p.publish(event)
}

func (p *Publisher) StageStarted(_ context.Context, run *pipeline.Run, stage string) {
	event := p.runEvent("stage_started", run)
	event.Stage = stage
	p.publish(event)
}

func (p *Publisher) StageFinished(_ context.Context, run *pipeline.Run, stage pipeline.StageResult) {
	event := p.runEvent("stage_finished", run)
	event.Stage = stage.Name
	event.Result = stage.Result
	p.publish(event)
}
