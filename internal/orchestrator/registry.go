package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Agent is a registered execution unit. The registry owns the record; all
// mutation goes through registry methods and callers get snapshot copies.
type Agent struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Role           Role          `json:"role"`
	Capabilities   []string      `json:"capabilities,omitempty"`
	MaxConcurrency int           `json:"max_concurrency"`
	ActiveTasks    int           `json:"active_tasks"`
	CompletedTasks int           `json:"completed_tasks"` // attempts handled, success or failure
	TotalLatency   time.Duration `json:"total_latency"`
	State          AgentState    `json:"state"`
	RegisteredAt   time.Time     `json:"registered_at"`

	execute  ExecuteFunc
	draining bool
}

// MeanLatency is the agent's historical mean completion latency.
func (a *Agent) MeanLatency() time.Duration {
	if a.CompletedTasks == 0 {
		return 0
	}
	return a.TotalLatency / time.Duration(a.CompletedTasks)
}

// Registry holds all registered agents and their load bookkeeping.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string // registration order, for deterministic scoring ties
	logger *zap.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		logger: logger,
	}
}

// Register adds an agent and returns its generated id.
func (r *Registry) Register(spec AgentSpec) (string, error) {
	if spec.Execute == nil {
		return "", fmt.Errorf("register agent: execute function is required")
	}
	if spec.Role == "" {
		return "", fmt.Errorf("register agent: role is required")
	}
	maxConc := spec.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 1
	}

	id := uuid.New().String()
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", spec.Role, id[:8])
	}

	a := &Agent{
		ID:             id,
		Name:           name,
		Role:           spec.Role,
		Capabilities:   append([]string(nil), spec.Capabilities...),
		MaxConcurrency: maxConc,
		State:          AgentIdle,
		RegisteredAt:   time.Now(),
		execute:        spec.Execute,
	}

	r.mu.Lock()
	r.agents[id] = a
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.logger.Info("registered agent",
		zap.String("id", id),
		zap.String("name", name),
		zap.String("role", string(spec.Role)),
		zap.Int("max_concurrency", maxConc))
	return id, nil
}

// Deregister removes an agent once its in-flight tasks have drained. The
// agent stops receiving new assignments immediately, then the call polls at
// the given interval until its active-task count reaches zero. In-flight
// work is never cancelled.
func (r *Registry) Deregister(ctx context.Context, id string, pollInterval time.Duration) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("deregister %s: %w", id, ErrAgentNotFound)
	}
	a.draining = true
	r.mu.Unlock()

	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		r.mu.RLock()
		active := a.ActiveTasks
		r.mu.RUnlock()
		if active == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("deregister %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}

	r.mu.Lock()
	delete(r.agents, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.logger.Info("deregistered agent", zap.String("id", id), zap.String("role", string(a.Role)))
	return nil
}

// Get returns a snapshot of an agent.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// List returns snapshots of all agents in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.agents[id])
	}
	return out
}

// ActiveTotal returns the number of in-flight tasks across all agents.
func (r *Registry) ActiveTotal() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, a := range r.agents {
		total += a.ActiveTasks
	}
	return total
}

// tryAcquire atomically claims one concurrency slot on the agent. It fails
// if the agent is gone, draining, or already at its ceiling, so the
// per-agent active count can never exceed MaxConcurrency.
func (r *Registry) tryAcquire(id string) (ExecuteFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok || a.draining || a.ActiveTasks >= a.MaxConcurrency {
		return nil, false
	}
	a.ActiveTasks++
	a.State = AgentBusy
	return a.execute, true
}

// unacquire returns a slot claimed for a task that never started, without
// counting an attempt.
func (r *Registry) unacquire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	if a.ActiveTasks > 0 {
		a.ActiveTasks--
	}
	if a.ActiveTasks == 0 {
		a.State = AgentIdle
	}
}

// release returns a concurrency slot after an attempt settles, updating the
// agent's handled count and cumulative latency on both success and failure.
func (r *Registry) release(id string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	if a.ActiveTasks > 0 {
		a.ActiveTasks--
	}
	a.CompletedTasks++
	a.TotalLatency += latency
	if a.ActiveTasks == 0 {
		a.State = AgentIdle
	}
}

// forEachInOrder walks agent records in registration order under the read
// lock. The scheduler uses it for scoring; records must not be retained.
func (r *Registry) forEachInOrder(fn func(a *Agent)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		fn(r.agents[id])
	}
}
