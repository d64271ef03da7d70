package daemon

import (
	"fmt"
	"sync"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/pipeline"
)

// RunRequest is one pending pipeline execution waiting for a free agent.
type RunRequest struct {
	ID         string           `json:"id"`
	Pipeline   string           `json:"pipeline"`
	Trigger    pipeline.Trigger `json:"trigger"`
	Label      string           `json:"label,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// triggerPriority orders requests when agents are contended. Manual runs
// jump the line; poll-triggered runs yield to everything else.
func triggerPriority(t pipeline.Trigger) int {
	switch t {
	case pipeline.TriggerManual:
		return 3
	case pipeline.TriggerSchedule:
		return 2
	case pipeline.TriggerPoll:
		return 1
	}
	return 0
}

// Queue is a bounded, priority-ordered run queue. Dispatch order is
// priority first, then enqueue time within the same priority.
type Queue struct {
	mu      sync.Mutex
	pending []*RunRequest
	maxSize int
	signal  chan struct{}
}

// NewQueue creates a queue holding at most maxSize pending requests.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Queue{
		maxSize: maxSize,
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds a request. A full queue rejects the request rather than
// blocking the trigger that produced it.
func (q *Queue) Enqueue(req *RunRequest) error {
	if req == nil {
		return fmt.Errorf("request cannot be nil")
	}
	if req.Pipeline == "" {
		return fmt.Errorf("request pipeline is required")
	}
	req.EnqueuedAt = time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.maxSize {
		return fmt.Errorf("run queue is full (%d pending)", len(q.pending))
	}
	q.pending = append(q.pending, req)
	q.notify()
	return nil
}

// Dequeue removes and returns the highest-priority request whose label is
// accepted by acceptable, or nil when none matches. acceptable == nil
// accepts every label.
func (q *Queue) Dequeue(acceptable func(label string) bool) *RunRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, req := range q.pending {
		if acceptable != nil && !acceptable(req.Label) {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		if triggerPriority(req.Trigger) > triggerPriority(q.pending[best].Trigger) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	req := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	return req
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a snapshot of the queue contents for status reporting.
func (q *Queue) Pending() []*RunRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*RunRequest, len(q.pending))
	copy(out, q.pending)
	return out
}

// Signal is closed over by the dispatcher: it receives a tick whenever the
// queue gains work. Coalesced, so a tick may cover several enqueues.
func (q *Queue) Signal() <-chan struct{} { return q.signal }

// Kick wakes the dispatcher without enqueuing, e.g. after an agent frees up.
func (q *Queue) Kick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
