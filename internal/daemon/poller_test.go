package daemon

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
	"git.home.luguber.info/inful/conveyor/internal/retry"
)

type fakeEnqueuer struct {
	requests []*RunRequest
	err      error
}

func (f *fakeEnqueuer) Enqueue(req *RunRequest) error {
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

type fakeLister struct {
	heads []string
	errs  []error
	calls int
}

func (f *fakeLister) Head(_ context.Context, _, _ string) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i >= len(f.heads) {
		i = len(f.heads) - 1
	}
	return f.heads[i], nil
}

func newTestPoller(enq Enqueuer, lister HeadLister) *Poller {
	p := NewPoller("tvb-tests", "docker", config.PollConfig{
		URL:    "https://example.com/tvb.git",
		Branch: "trunk",
	}, enq, retry.Policy{MaxRetries: 0})
	p.lister = lister
	return p
}

func TestPollerFirstObservationOnlySetsBaseline(t *testing.T) {
	enq := &fakeEnqueuer{}
	p := newTestPoller(enq, &fakeLister{heads: []string{"aaa"}})

	p.poll(context.Background())
	assert.Empty(t, enq.requests, "baseline must not trigger a run")
	assert.Equal(t, "aaa", p.lastHead)
}

func TestPollerEnqueuesWhenHeadMoves(t *testing.T) {
	enq := &fakeEnqueuer{}
	p := newTestPoller(enq, &fakeLister{heads: []string{"aaa", "aaa", "bbb"}})

	p.poll(context.Background())
	p.poll(context.Background())
	assert.Empty(t, enq.requests, "unchanged head must not trigger")

	p.poll(context.Background())
	require.Len(t, enq.requests, 1)
	req := enq.requests[0]
	assert.Equal(t, "tvb-tests", req.Pipeline)
	assert.Equal(t, pipeline.TriggerPoll, req.Trigger)
	assert.Equal(t, "docker", req.Label)
	assert.Equal(t, "bbb", p.lastHead)
}

func TestPollerRetriesTransientFailures(t *testing.T) {
	enq := &fakeEnqueuer{}
	lister := &fakeLister{
		heads: []string{"", "aaa"},
		errs:  []error{errors.New("connection refused"), nil},
	}
	p := newTestPoller(enq, lister)
	p.policy = retry.Policy{Mode: config.RetryBackoffFixed, Initial: 0, MaxRetries: 2}

	p.poll(context.Background())
	assert.Equal(t, 2, lister.calls)
	assert.Equal(t, "aaa", p.lastHead)
}

func TestPollerGivesUpAfterRetriesExhausted(t *testing.T) {
	enq := &fakeEnqueuer{}
	lister := &fakeLister{errs: []error{errors.New("down"), errors.New("down")}}
	p := newTestPoller(enq, lister)
	p.policy = retry.Policy{Mode: config.RetryBackoffFixed, Initial: 0, MaxRetries: 1}

	p.poll(context.Background())
	assert.Equal(t, 2, lister.calls)
	assert.Empty(t, p.lastHead)
	assert.Empty(t, enq.requests)
}
