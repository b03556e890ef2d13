package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options configure an orchestrator instance at construction time.
type Options struct {
	// DefaultTaskTimeout bounds task execution and awaits when the caller
	// doesn't supply one. Defaults to 5 minutes.
	DefaultTaskTimeout time.Duration
	// DefaultStrategy is used by workflows that don't name one. Defaults
	// to parallel.
	DefaultStrategy Strategy
	// DeregisterPollInterval is how often Deregister re-checks an agent's
	// active-task count. Defaults to 50ms.
	DeregisterPollInterval time.Duration
	// SkipBlocked lets a scheduling pass continue past a head task that has
	// no eligible agent. Off by default: the pass stops so a blocked
	// high-priority task is never overtaken by lower-priority work.
	SkipBlocked bool
}

func (o Options) withDefaults() Options {
	if o.DefaultTaskTimeout <= 0 {
		o.DefaultTaskTimeout = 5 * time.Minute
	}
	if o.DefaultStrategy == "" {
		o.DefaultStrategy = StrategyParallel
	}
	if o.DeregisterPollInterval <= 0 {
		o.DeregisterPollInterval = 50 * time.Millisecond
	}
	return o
}

// Orchestrator composes the agent registry, task store, scheduler and
// workflow engine behind one in-process API. State is in-memory and
// process-scoped.
type Orchestrator struct {
	registry  *Registry
	store     *TaskStore
	scheduler *Scheduler
	metrics   *Metrics
	events    *observerSet

	wfMu      sync.RWMutex
	workflows map[string]*Workflow

	opts   Options
	logger *zap.Logger
}

// New creates an orchestrator with the given options.
func New(opts Options, logger *zap.Logger) *Orchestrator {
	opts = opts.withDefaults()
	registry := NewRegistry(logger)
	store := NewTaskStore(logger)
	metrics := &Metrics{}
	events := newObserverSet()
	return &Orchestrator{
		registry:  registry,
		store:     store,
		scheduler: NewScheduler(registry, store, metrics, events, opts.DefaultTaskTimeout, opts.SkipBlocked, logger),
		metrics:   metrics,
		events:    events,
		workflows: make(map[string]*Workflow),
		opts:      opts,
		logger:    logger,
	}
}

// Subscribe adds a lifecycle observer and returns its unsubscribe function.
func (o *Orchestrator) Subscribe(fn Observer) func() {
	return o.events.subscribe(fn)
}

// RegisterAgent adds an execution unit and returns its id.
func (o *Orchestrator) RegisterAgent(spec AgentSpec) (string, error) {
	id, err := o.registry.Register(spec)
	if err != nil {
		return "", err
	}
	o.events.emit(Event{Type: EventAgentRegistered, AgentID: id, Role: spec.Role})
	// A fresh agent may unblock queued work.
	o.scheduler.schedule()
	return id, nil
}

// DeregisterAgent removes an agent after its in-flight work drains.
func (o *Orchestrator) DeregisterAgent(ctx context.Context, id string) error {
	a, ok := o.registry.Get(id)
	if !ok {
		return ErrAgentNotFound
	}
	if err := o.registry.Deregister(ctx, id, o.opts.DeregisterPollInterval); err != nil {
		return err
	}
	o.events.emit(Event{Type: EventAgentDeregistered, AgentID: id, Role: a.Role})
	return nil
}

// GetAgent returns a snapshot of a registered agent.
func (o *Orchestrator) GetAgent(id string) (Agent, bool) {
	return o.registry.Get(id)
}

// ListAgents returns snapshots of all agents in registration order.
func (o *Orchestrator) ListAgents() []Agent {
	return o.registry.List()
}

// CreateTask records a task and, unless the spec holds it, queues it for
// scheduling immediately.
func (o *Orchestrator) CreateTask(spec TaskSpec) (string, error) {
	t, err := o.store.Create(spec)
	if err != nil {
		return "", err
	}
	o.metrics.taskCreated()
	o.events.emit(Event{Type: EventTaskCreated, TaskID: t.ID, WorkflowID: t.WorkflowID})
	if !spec.Hold {
		if err := o.scheduler.Enqueue(t.ID); err != nil {
			return "", err
		}
	}
	return t.ID, nil
}

// SubmitTask queues a held (pending) task.
func (o *Orchestrator) SubmitTask(id string) error {
	return o.scheduler.Enqueue(id)
}

// CancelTask moves a pre-terminal task to cancelled. Work already running
// is not interrupted, but its eventual result is discarded.
func (o *Orchestrator) CancelTask(id string) error {
	if err := o.store.Cancel(id); err != nil {
		return err
	}
	o.events.emit(Event{Type: EventTaskCancelled, TaskID: id})
	return nil
}

// AwaitTask blocks until the task reaches a terminal state. A zero timeout
// means the orchestrator default.
func (o *Orchestrator) AwaitTask(ctx context.Context, id string, timeout time.Duration) (Task, error) {
	if timeout <= 0 {
		timeout = o.opts.DefaultTaskTimeout
	}
	return o.store.Await(ctx, id, timeout)
}

// GetTask returns a non-blocking snapshot of a task.
func (o *Orchestrator) GetTask(id string) (Task, bool) {
	return o.store.Get(id)
}

// ListTasks returns snapshots of all tasks in creation order.
func (o *Orchestrator) ListTasks() []Task {
	return o.store.List()
}

// GetWorkflow returns a snapshot of a workflow record.
func (o *Orchestrator) GetWorkflow(id string) (Workflow, bool) {
	o.wfMu.RLock()
	defer o.wfMu.RUnlock()
	wf, ok := o.workflows[id]
	if !ok {
		return Workflow{}, false
	}
	return snapshotWorkflow(wf), true
}

// AgentStatus is the per-agent block of a status report.
type AgentStatus struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Role           Role          `json:"role"`
	State          AgentState    `json:"state"`
	ActiveTasks    int           `json:"active_tasks"`
	CompletedTasks int           `json:"completed_tasks"`
	MeanLatency    time.Duration `json:"mean_latency"`
}

// Status is a read-only aggregation of registry, task store and scheduler
// state.
type Status struct {
	Agents      []AgentStatus   `json:"agents"`
	AgentCount  int             `json:"agent_count"`
	ActiveTasks int             `json:"active_tasks"`
	QueueLength int             `json:"queue_length"`
	Metrics     MetricsSnapshot `json:"metrics"`
}

// Status reports current orchestrator state without mutating anything.
func (o *Orchestrator) Status() Status {
	agents := o.registry.List()
	statuses := make([]AgentStatus, len(agents))
	active := 0
	for i := range agents {
		a := &agents[i]
		statuses[i] = AgentStatus{
			ID:             a.ID,
			Name:           a.Name,
			Role:           a.Role,
			State:          a.State,
			ActiveTasks:    a.ActiveTasks,
			CompletedTasks: a.CompletedTasks,
			MeanLatency:    a.MeanLatency(),
		}
		active += a.ActiveTasks
	}
	return Status{
		Agents:      statuses,
		AgentCount:  len(agents),
		ActiveTasks: active,
		QueueLength: o.scheduler.QueueLen(),
		Metrics:     o.metrics.Snapshot(),
	}
}

func snapshotWorkflow(wf *Workflow) Workflow {
	snap := *wf
	snap.TaskIDs = append([]string(nil), wf.TaskIDs...)
	return snap
}
