package agentpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"crucible/internal/domain"
)

var (
	ErrPoolClosed       = errors.New("agent pool is closed")
	ErrUnknownAgent     = errors.New("agent not found in pool")
	ErrUnknownAgentType = errors.New("unknown agent type")
)

type Config struct {
	// TotalSlots caps concurrently held agents project-wide. Slots are
	// granted by demand, not pre-partitioned per type.
	TotalSlots int
	// PerType optionally caps individual types below TotalSlots.
	PerType map[domain.AgentType]int
}

func (c Config) withDefaults() Config {
	if c.TotalSlots <= 0 {
		c.TotalSlots = 4
	}
	return c
}

type PoolStatus struct {
	TotalSlots int                      `json:"total_slots"`
	Held       int                      `json:"held"`
	Idle       int                      `json:"idle"`
	ByType     map[domain.AgentType]int `json:"by_type"`
	Agents     []domain.Agent           `json:"agents"`
}

// Pool owns a bounded set of agent slots. Agents are logical workers:
// the pool tracks lifecycle and occupancy only, never how an agent
// executes. Acquire blocks while the pool is exhausted; Release wakes
// blocked callers.
type Pool struct {
	cfg Config

	mu     sync.Mutex
	agents map[string]*domain.Agent
	waitCh chan struct{}
	closed bool
}

func New(cfg Config) *Pool {
	return &Pool{
		cfg:    cfg.withDefaults(),
		agents: make(map[string]*domain.Agent),
		waitCh: make(chan struct{}),
	}
}

// Acquire hands out an agent of the requested type, reusing an idle one
// or spawning a new one within the caps. On exhaustion it blocks until
// a slot frees or ctx is cancelled; exhaustion is not an error.
func (p *Pool) Acquire(ctx context.Context, agentType domain.AgentType) (domain.Agent, error) {
	if !domain.ValidAgentType(agentType) {
		return domain.Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgentType, agentType)
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return domain.Agent{}, ErrPoolClosed
		}
		if agent, ok := p.tryGrant(agentType); ok {
			p.mu.Unlock()
			return agent, nil
		}
		ch := p.waitCh
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Agent{}, ctx.Err()
		case <-ch:
		}
	}
}

// tryGrant must be called with mu held.
func (p *Pool) tryGrant(agentType domain.AgentType) (domain.Agent, bool) {
	held := 0
	heldOfType := 0
	var idle *domain.Agent
	for _, a := range p.agents {
		switch a.Status {
		case domain.AgentStatusAssigned, domain.AgentStatusWorking, domain.AgentStatusWaiting:
			held++
			if a.Type == agentType {
				heldOfType++
			}
		case domain.AgentStatusIdle:
			if a.Type == agentType && idle == nil {
				idle = a
			}
		}
	}

	if held >= p.cfg.TotalSlots {
		return domain.Agent{}, false
	}
	if limit, ok := p.cfg.PerType[agentType]; ok && limit > 0 && heldOfType >= limit {
		return domain.Agent{}, false
	}

	if idle == nil {
		idle = &domain.Agent{
			ID:        string(agentType) + "-" + uuid.NewString()[:8],
			Type:      agentType,
			Status:    domain.AgentStatusIdle,
			SpawnedAt: time.Now().UTC(),
		}
		p.agents[idle.ID] = idle
	}
	idle.Status = domain.AgentStatusAssigned
	idle.CurrentTaskID = ""
	return *idle, true
}

// Release returns the agent's slot and wakes blocked acquirers. The
// agent itself stays in the pool, idle, ready for reuse.
func (p *Pool) Release(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	a.Status = domain.AgentStatusIdle
	a.CurrentTaskID = ""
	p.wakeLocked()
	return nil
}

// BindTask ties an acquired agent to a task; exactly one agent may hold
// a given task, and an agent holds at most one task.
func (p *Pool) BindTask(agentID, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if a.CurrentTaskID != "" && a.CurrentTaskID != taskID {
		return fmt.Errorf("agent %s already holds task %s", agentID, a.CurrentTaskID)
	}
	for _, other := range p.agents {
		if other.ID != agentID && other.CurrentTaskID == taskID {
			return fmt.Errorf("task %s already held by agent %s", taskID, other.ID)
		}
	}
	a.CurrentTaskID = taskID
	a.Status = domain.AgentStatusWorking
	return nil
}

// RecordOutcome folds a finished task into the agent's cumulative
// metrics. It does not release the slot.
func (p *Pool) RecordOutcome(agentID string, completed bool, iterations, tokens int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if completed {
		a.Metrics.TasksCompleted++
	} else {
		a.Metrics.TasksFailed++
	}
	a.Metrics.Iterations += iterations
	a.Metrics.TokensUsed += tokens
	return nil
}

// MarkError flags an agent unrecoverable and frees its slot.
func (p *Pool) MarkError(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	a.Status = domain.AgentStatusError
	a.CurrentTaskID = ""
	p.wakeLocked()
	return nil
}

func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := PoolStatus{
		TotalSlots: p.cfg.TotalSlots,
		ByType:     make(map[domain.AgentType]int),
	}
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := p.agents[id]
		status.Agents = append(status.Agents, *a)
		switch a.Status {
		case domain.AgentStatusAssigned, domain.AgentStatusWorking, domain.AgentStatusWaiting:
			status.Held++
			status.ByType[a.Type]++
		case domain.AgentStatusIdle:
			status.Idle++
		}
	}
	return status
}

// Close terminates every agent and fails all pending and future
// acquisitions with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, a := range p.agents {
		a.Status = domain.AgentStatusTerminated
		a.CurrentTaskID = ""
	}
	p.wakeLocked()
}

// wakeLocked broadcasts to all blocked acquirers by swapping the wait
// channel. Must be called with mu held.
func (p *Pool) wakeLocked() {
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}
