package daemon

import (
	"sync"

	"git.home.luguber.info/inful/conveyor/internal/config"
)

// Agent is one execution slot. An agent runs a single job at a time; labels
// decide which pipelines it may accept.
type Agent struct {
	cfg  config.AgentConfig
	busy bool
	job  string // pipeline name of the running job, for status
}

// Name returns the agent's configured name.
func (a *Agent) Name() string { return a.cfg.Name }

// AgentStatus is the externally visible state of one agent.
type AgentStatus struct {
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
	Busy   bool     `json:"busy"`
	Job    string   `json:"job,omitempty"`
}

// AgentPool tracks which agents are free and hands them out by label.
type AgentPool struct {
	mu     sync.Mutex
	agents []*Agent
}

// NewAgentPool creates a pool from the configured agents.
func NewAgentPool(cfgs []config.AgentConfig) *AgentPool {
	pool := &AgentPool{}
	for _, cfg := range cfgs {
		pool.agents = append(pool.agents, &Agent{cfg: cfg})
	}
	return pool
}

// Acquire reserves a free agent carrying the label, or any free agent when
// label is empty. Returns nil when nothing suitable is free.
func (p *AgentPool) Acquire(label, job string) *Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		if a.busy {
			continue
		}
		if label != "" && !a.cfg.HasLabel(label) {
			continue
		}
		a.busy = true
		a.job = job
		return a
	}
	return nil
}

// CanServe reports whether any agent (busy or not) carries the label. A
// request for a label no agent carries would otherwise wait forever.
func (p *AgentPool) CanServe(label string) bool {
	if label == "" {
		return len(p.agents) > 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		if a.cfg.HasLabel(label) {
			return true
		}
	}
	return false
}

// HasFree reports whether a free agent exists for the label.
func (p *AgentPool) HasFree(label string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		if a.busy {
			continue
		}
		if label == "" || a.cfg.HasLabel(label) {
			return true
		}
	}
	return false
}

// Release frees the agent after its job finishes.
func (p *AgentPool) Release(a *Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a.busy = false
	a.job = ""
}

// ReleaseByName frees the named agent, if the pool still has it. Releases
// are routed by name so they land in the live pool even after a config
// reload swapped the pool out under a running job.
func (p *AgentPool) ReleaseByName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		if a.cfg.Name == name {
			a.busy = false
			a.job = ""
			return
		}
	}
}

// adoptBusyFrom copies busy reservations from an old pool, matching agents
// by name. Used on config reload so in-flight runs keep their slot
// accounted for in the replacement pool.
func (p *AgentPool) adoptBusyFrom(old *AgentPool) {
	old.mu.Lock()
	defer old.mu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, oa := range old.agents {
		if !oa.busy {
			continue
		}
		for _, na := range p.agents {
			if na.cfg.Name == oa.cfg.Name {
				na.busy = true
				na.job = oa.job
				break
			}
		}
	}
}

// Busy returns the number of agents currently running a job.
func (p *AgentPool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.agents {
		if a.busy {
			n++
		}
	}
	return n
}

// Statuses returns a snapshot of all agents for status reporting.
func (p *AgentPool) Statuses() []AgentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AgentStatus, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, AgentStatus{
			Name:   a.cfg.Name,
			Labels: a.cfg.Labels,
			Busy:   a.busy,
			Job:    a.job,
		})
	}
	return out
}
