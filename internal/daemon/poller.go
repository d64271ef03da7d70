package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
	"git.home.luguber.info/inful/conveyor/internal/retry"
)

// HeadLister resolves the current commit hash of a branch on a remote,
// without cloning. The default implementation does a git ls-remote.
type HeadLister interface {
	Head(ctx context.Context, url, branch string) (string, error)
}

type lsRemoteLister struct{}

func (lsRemoteLister) Head(ctx context.Context, url, branch string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list remote refs: %w", err)
	}

	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("branch %s not found on %s", branch, url)
}

// Poller watches one git remote and enqueues a run when the branch head
// moves. The first observation only primes the baseline; history that
// predates the daemon never triggers a run.
type Poller struct {
	pipeline string
	label    string
	cfg      config.PollConfig
	enqueuer Enqueuer
	lister   HeadLister
	policy   retry.Policy

	lastHead string
}

// NewPoller creates a poll trigger for one pipeline.
func NewPoller(pipelineName, label string, cfg config.PollConfig, enqueuer Enqueuer, policy retry.Policy) *Poller {
	return &Poller{
		pipeline: pipelineName,
		label:    label,
		cfg:      cfg,
		enqueuer: enqueuer,
		lister:   lsRemoteLister{},
		policy:   policy,
	}
}

// Run polls until the context is canceled.
func (p *Poller) Run(ctx context.Context) {
	interval := p.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	slog.Info("Git poll trigger started",
		logfields.Pipeline(p.pipeline),
		slog.String("url", p.cfg.URL),
		slog.String("branch", p.cfg.Branch),
		slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll checks the remote head, retrying transient failures per the policy.
func (p *Poller) poll(ctx context.Context) {
	var head string
	var err error
	for attempt := 0; ; attempt++ {
		head, err = p.lister.Head(ctx, p.cfg.URL, p.cfg.Branch)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt >= p.policy.MaxRetries {
			slog.Warn("Git poll failed",
				logfields.Pipeline(p.pipeline),
				slog.String("url", p.cfg.URL),
				logfields.Error(err))
			return
		}
		delay := p.policy.Delay(attempt + 1)
		slog.Debug("Git poll retrying",
			logfields.Pipeline(p.pipeline),
			slog.Duration("delay", delay),
			logfields.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	p.observe(head)
}

func (p *Poller) observe(head string) {
	if p.lastHead == "" {
		p.lastHead = head
		slog.Debug("Git poll baseline recorded",
			logfields.Pipeline(p.pipeline), slog.String("head", head))
		return
	}
	if head == p.lastHead {
		return
	}

	slog.Info("Remote branch moved, triggering run",
		logfields.Pipeline(p.pipeline),
		slog.String("old", p.lastHead),
		slog.String("new", head))
	p.lastHead = head

	req := &RunRequest{
		ID:       fmt.Sprintf("poll-%s-%d", p.pipeline, time.Now().Unix()),
		Pipeline: p.pipeline,
		Trigger:  pipeline.TriggerPoll,
		Label:    p.label,
	}
	if err := p.enqueuer.Enqueue(req); err != nil {
		slog.Warn("Failed to enqueue poll-triggered run",
			logfields.Pipeline(p.pipeline), logfields.Error(err))
	}
}
