// Package daemon supervises pipelines: schedules and git polling feed a
// bounded run queue, labeled agents execute one run at a time, and an HTTP
// server exposes status, history and manual triggers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/events"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/metrics"
	"git.home.luguber.info/inful/conveyor/internal/notify"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
	"git.home.luguber.info/inful/conveyor/internal/retry"
	"git.home.luguber.info/inful/conveyor/internal/state"
	"git.home.luguber.info/inful/conveyor/internal/step"
	"git.home.luguber.info/inful/conveyor/internal/workspace"
)

// supervised binds a loaded pipeline definition to its trigger config.
type supervised struct {
	def *config.Pipeline
	ref config.PipelineRef
}

// Daemon is the long-running pipeline supervisor.
type Daemon struct {
	mu         sync.RWMutex
	cfg        *config.Config
	configPath string
	pipelines  map[string]*supervised

	queue    *Queue
	pool     *AgentPool
	runner   *pipeline.Runner
	store    *state.Store
	recorder metrics.Recorder
	registry *prometheus.Registry
	events   *events.Publisher

	scheduler  *Scheduler
	watcher    *ConfigWatcher
	httpServer *HTTPServer

	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
	runWG      sync.WaitGroup

	startTime time.Time
}

// New assembles a daemon from the loaded configuration. configPath is kept
// for hot reload.
func New(cfg *config.Config, configPath string) (*Daemon, error) {
	store, err := state.NewStore(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}

	recorder := metrics.Recorder(metrics.NoopRecorder{})
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(registry)
	}

	runnerOpts := []pipeline.RunnerOption{
		pipeline.WithMetrics(recorder),
		pipeline.WithBaseURL(cfg.HTTP.BaseURL),
	}
	if cfg.SMTP.Enabled() {
		runnerOpts = append(runnerOpts, pipeline.WithNotifier(notify.NewMailNotifier(cfg.SMTP)))
	}

	var publisher *events.Publisher
	if cfg.NATS.Enabled {
		publisher, err = events.NewPublisher(cfg.NATS)
		if err != nil {
			// A dead event bus must not keep CI from running.
			slog.Warn("Event publishing disabled", logfields.Error(err))
		} else {
			runnerOpts = append(runnerOpts, pipeline.WithEvents(publisher))
		}
	}

	runner := pipeline.NewRunner(
		store,
		step.NewFactory(),
		workspace.NewManager(cfg.DataDir),
		runnerOpts...,
	)

	d := &Daemon{
		cfg:        cfg,
		configPath: configPath,
		pipelines:  make(map[string]*supervised),
		queue:      NewQueue(cfg.Daemon.QueueSize),
		pool:       newPool(cfg),
		runner:     runner,
		store:      store,
		recorder:   recorder,
		registry:   registry,
		events:     publisher,
	}

	if err := d.loadPipelines(cfg); err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

// newPool builds the agent pool; with no agents configured the daemon gets
// a single unlabeled local executor.
func newPool(cfg *config.Config) *AgentPool {
	agents := cfg.Daemon.Agents
	if len(agents) == 0 {
		agents = []config.AgentConfig{{Name: "local"}}
	}
	return NewAgentPool(agents)
}

// loadPipelines reads every referenced pipeline file.
func (d *Daemon) loadPipelines(cfg *config.Config) error {
	loaded := make(map[string]*supervised, len(cfg.Daemon.Pipelines))
	for _, ref := range cfg.Daemon.Pipelines {
		def, err := config.LoadPipeline(ref.File)
		if err != nil {
			return fmt.Errorf("pipeline %s: %w", ref.File, err)
		}
		if _, dup := loaded[def.Name]; dup {
			return fmt.Errorf("duplicate pipeline name %q", def.Name)
		}
		loaded[def.Name] = &supervised{def: def, ref: ref}
	}

	d.mu.Lock()
	d.pipelines = loaded
	d.mu.Unlock()
	slog.Info("Pipelines loaded", slog.Int("count", len(loaded)))
	return nil
}

// Run starts all daemon services and blocks until the context is canceled,
// then shuts down gracefully. Running jobs finish before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	d.startTime = time.Now()

	if err := d.startTriggers(ctx); err != nil {
		return err
	}

	watcher, err := NewConfigWatcher(d.configPath, func() error { return d.reload(ctx) })
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	d.watcher = watcher
	if err := d.watcher.Start(ctx); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	d.httpServer = NewHTTPServer(d.cfg.HTTP, d)
	if err := d.httpServer.Start(); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	go d.dispatch(ctx)

	slog.Info("Daemon started",
		slog.Int("pipelines", len(d.pipelines)),
		slog.Int("agents", len(d.cfg.Daemon.Agents)),
		slog.String("listen", d.cfg.HTTP.Listen))

	<-ctx.Done()
	return d.shutdown()
}

// startTriggers boots the scheduler and pollers for the current pipeline set.
func (d *Daemon) startTriggers(ctx context.Context) error {
	scheduler, err := NewScheduler(d)
	if err != nil {
		return err
	}
	d.scheduler = scheduler

	pollCtx, cancel := context.WithCancel(ctx)
	d.pollCancel = cancel

	d.mu.RLock()
	defer d.mu.RUnlock()
	for name, sup := range d.pipelines {
		label := sup.def.Agent.Label
		if sup.ref.Schedule != "" {
			if err := d.scheduler.AddPipeline(name, label, sup.ref.Schedule); err != nil {
				return err
			}
		}
		if sup.ref.Poll != nil {
			poller := NewPoller(name, label, *sup.ref.Poll, d, retry.FromConfig(d.cfg.Retry))
			d.pollWG.Add(1)
			go func() {
				defer d.pollWG.Done()
				poller.Run(pollCtx)
			}()
		}
	}
	d.scheduler.Start()
	return nil
}

// stopTriggers halts the scheduler and pollers, leaving queue and agents alone.
func (d *Daemon) stopTriggers(ctx context.Context) {
	if d.pollCancel != nil {
		d.pollCancel()
	}
	d.pollWG.Wait()
	if d.scheduler != nil {
		if err := d.scheduler.Stop(ctx); err != nil {
			slog.Warn("Scheduler stop failed", logfields.Error(err))
		}
	}
}

// reload re-reads config and pipeline files and restarts the triggers.
// Failure keeps the previous configuration running.
func (d *Daemon) reload(ctx context.Context) error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := d.loadPipelines(cfg); err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}

	d.mu.Lock()
	d.cfg = cfg
	old := d.pool
	d.pool = newPool(cfg)
	// Runs started against the old pool keep their slot in the new one.
	d.pool.adoptBusyFrom(old)
	d.mu.Unlock()

	d.stopTriggers(ctx)
	if err := d.startTriggers(ctx); err != nil {
		return fmt.Errorf("restart triggers: %w", err)
	}
	slog.Info("Configuration reloaded")
	return nil
}

// Enqueue submits a run request, rejecting labels no configured agent
// carries. Implements Enqueuer for the scheduler and pollers.
func (d *Daemon) Enqueue(req *RunRequest) error {
	d.mu.RLock()
	_, known := d.pipelines[req.Pipeline]
	pool := d.pool
	d.mu.RUnlock()

	if !known {
		return fmt.Errorf("unknown pipeline %q", req.Pipeline)
	}
	if !pool.CanServe(req.Label) {
		return fmt.Errorf("no agent carries label %q", req.Label)
	}
	if err := d.queue.Enqueue(req); err != nil {
		return err
	}
	d.recorder.SetQueueDepth(d.queue.Len())
	if d.events != nil {
		d.events.RunQueued(req.Pipeline, req.ID, req.Trigger)
	}
	return nil
}

// ErrUnknownPipeline marks trigger requests for pipelines the daemon does
// not supervise.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// TriggerManual enqueues a manual run for the named pipeline.
func (d *Daemon) TriggerManual(name string) (*RunRequest, error) {
	d.mu.RLock()
	sup, ok := d.pipelines[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, name)
	}

	req := &RunRequest{
		ID:       fmt.Sprintf("manual-%s-%d", name, time.Now().UnixNano()),
		Pipeline: name,
		Trigger:  pipeline.TriggerManual,
		Label:    sup.def.Agent.Label,
	}
	if err := d.Enqueue(req); err != nil {
		return nil, err
	}
	return req, nil
}

// dispatch hands queued requests to free agents until the context ends.
func (d *Daemon) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.queue.Signal():
			d.drain(ctx)
		}
	}
}

// drain starts as many queued runs as free agents allow.
func (d *Daemon) drain(ctx context.Context) {
	for {
		d.mu.RLock()
		pool := d.pool
		d.mu.RUnlock()

		req := d.queue.Dequeue(pool.HasFree)
		if req == nil {
			return
		}
		agent := pool.Acquire(req.Label, req.Pipeline)
		if agent == nil {
			// The slot was taken between Dequeue and Acquire; requeue.
			if err := d.queue.Enqueue(req); err != nil {
				slog.Warn("Dropped run request", logfields.Pipeline(req.Pipeline), logfields.Error(err))
			}
			return
		}

		d.recorder.SetQueueDepth(d.queue.Len())
		d.recorder.SetBusyAgents(pool.Busy())

		d.runWG.Add(1)
		go d.execute(ctx, req, agent)
	}
}

func (d *Daemon) execute(ctx context.Context, req *RunRequest, agent *Agent) {
	defer d.runWG.Done()
	defer func() {
		d.releaseAgent(agent.Name())
		d.queue.Kick()
	}()

	d.mu.RLock()
	sup, ok := d.pipelines[req.Pipeline]
	d.mu.RUnlock()
	if !ok {
		slog.Warn("Pipeline disappeared before dispatch", logfields.Pipeline(req.Pipeline))
		return
	}

	slog.Info("Dispatching run",
		logfields.Pipeline(req.Pipeline),
		logfields.Agent(agent.Name()),
		logfields.Trigger(string(req.Trigger)))

	run, err := d.runner.Execute(ctx, sup.def, pipeline.RunOptions{
		Trigger: req.Trigger,
		Agent:   agent.Name(),
	})
	if err != nil {
		slog.Error("Run execution failed",
			logfields.Pipeline(req.Pipeline), logfields.Error(err))
		return
	}
	slog.Info("Run completed",
		logfields.Pipeline(req.Pipeline),
		logfields.RunID(run.ID),
		logfields.Result(string(run.Result)))
}

// releaseAgent frees the named agent in whichever pool is current, so a
// reload between dispatch and completion cannot strand the reservation.
func (d *Daemon) releaseAgent(name string) {
	d.mu.RLock()
	pool := d.pool
	d.mu.RUnlock()
	pool.ReleaseByName(name)
	d.recorder.SetBusyAgents(pool.Busy())
}

func (d *Daemon) shutdown() error {
	slog.Info("Daemon shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if d.httpServer != nil {
		if err := d.httpServer.Stop(shutdownCtx); err != nil {
			slog.Warn("HTTP server shutdown failed", logfields.Error(err))
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			slog.Warn("Config watcher stop failed", logfields.Error(err))
		}
	}
	d.stopTriggers(shutdownCtx)

	d.runWG.Wait()

	if d.events != nil {
		if err := d.events.Close(); err != nil {
			slog.Warn("Event publisher close failed", logfields.Error(err))
		}
	}
	if err := d.store.Close(); err != nil {
		return fmt.Errorf("close run history: %w", err)
	}
	slog.Info("Daemon stopped")
	return nil
}

// PipelineStatus summarizes one supervised pipeline for the status API.
type PipelineStatus struct {
	Name     string        `json:"name"`
	File     string        `json:"file"`
	Schedule string        `json:"schedule,omitempty"`
	Polling  bool          `json:"polling"`
	LastRun  *pipeline.Run `json:"last_run,omitempty"`
}

// Status is the daemon status document served by the HTTP API.
type Status struct {
	StartedAt  time.Time        `json:"started_at"`
	Uptime     string           `json:"uptime"`
	QueueDepth int              `json:"queue_depth"`
	Queue      []*RunRequest    `json:"queue,omitempty"`
	Agents     []AgentStatus    `json:"agents"`
	Pipelines  []PipelineStatus `json:"pipelines"`
}

// GetStatus builds a status snapshot.
func (d *Daemon) GetStatus(ctx context.Context) Status {
	d.mu.RLock()
	pool := d.pool
	pipelines := make([]PipelineStatus, 0, len(d.pipelines))
	for name, sup := range d.pipelines {
		ps := PipelineStatus{
			Name:     name,
			File:     sup.ref.File,
			Schedule: sup.ref.Schedule,
			Polling:  sup.ref.Poll != nil,
		}
		if last, err := d.store.LastCompleted(ctx, name); err == nil {
			ps.LastRun = last
		}
		pipelines = append(pipelines, ps)
	}
	d.mu.RUnlock()

	return Status{
		StartedAt:  d.startTime,
		Uptime:     time.Since(d.startTime).Round(time.Second).String(),
		QueueDepth: d.queue.Len(),
		Queue:      d.queue.Pending(),
		Agents:     pool.Statuses(),
		Pipelines:  pipelines,
	}
}
