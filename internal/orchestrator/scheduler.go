package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scoring weights. Role match dominates, capability overlap refines within
// a role, and the penalties steer work away from loaded or historically
// slow agents. A missing required role is a hard disqualifier, never a
// penalty.
const (
	roleMatchBonus       = 100.0
	capabilityWeight     = 10.0
	loadPenaltyWeight    = 5.0
	latencyPenaltyWeight = 1.0 // per second of mean completion latency
)

// Scheduler matches queued tasks to agents and drives their execution. All
// dispatch decisions are serialized through one mutex, so slot accounting
// and priority order stay consistent without a dedicated scheduling thread.
type Scheduler struct {
	registry *Registry
	store    *TaskStore
	metrics  *Metrics
	events   *observerSet

	mu    sync.Mutex
	queue taskQueue

	defaultTimeout time.Duration
	skipBlocked    bool
	logger         *zap.Logger
}

// NewScheduler wires a scheduler to its registry and task store.
func NewScheduler(registry *Registry, store *TaskStore, metrics *Metrics, events *observerSet, defaultTimeout time.Duration, skipBlocked bool, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		registry:       registry,
		store:          store,
		metrics:        metrics,
		events:         events,
		defaultTimeout: defaultTimeout,
		skipBlocked:    skipBlocked,
		logger:         logger,
	}
}

// Enqueue moves a pending task into the priority queue and runs a
// scheduling pass immediately.
func (s *Scheduler) Enqueue(id string) error {
	t, err := s.store.markQueued(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.queue.push(t)
	s.mu.Unlock()
	s.schedule()
	return nil
}

// QueueLen reports how many tasks are waiting for an agent.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.queue {
		if snap, ok := s.store.Get(t.ID); ok && snap.Status == TaskQueued {
			n++
		}
	}
	return n
}

type dispatch struct {
	task    Task
	agentID string
	fn      ExecuteFunc
	timeout time.Duration
}

// schedule runs one pass: repeatedly take the highest-priority queued task,
// pick the best eligible agent and dispatch. By default the pass stops when
// the head task has no eligible agent (head-of-line blocking, preserving
// strict priority order); with skipBlocked set, blocked tasks are set aside
// and the pass continues with the next one.
func (s *Scheduler) schedule() {
	var dispatches []dispatch
	var skipped []*Task

	s.mu.Lock()
	for s.queue.Len() > 0 {
		head := s.queue.peek()
		snap, ok := s.store.Get(head.ID)
		if !ok || snap.Status != TaskQueued {
			// Cancelled while waiting; drop it.
			s.queue.pop()
			continue
		}

		agentID := s.pickAgent(&snap)
		if agentID == "" {
			if !s.skipBlocked {
				break
			}
			skipped = append(skipped, s.queue.pop())
			continue
		}

		fn, acquired := s.registry.tryAcquire(agentID)
		if !acquired {
			// The agent started draining between scoring and acquisition;
			// re-evaluate the same head against the remaining agents.
			continue
		}

		t := s.queue.pop()
		if !s.store.markAssigned(t.ID, agentID) {
			s.registry.unacquire(agentID)
			continue
		}
		assigned, _ := s.store.Get(t.ID)
		timeout := assigned.timeout
		if timeout <= 0 {
			timeout = s.defaultTimeout
		}
		dispatches = append(dispatches, dispatch{
			task:    assigned,
			agentID: agentID,
			fn:      fn,
			timeout: timeout,
		})
	}
	for _, t := range skipped {
		s.queue.push(t)
	}
	s.mu.Unlock()

	for _, d := range dispatches {
		s.events.emit(Event{
			Type:       EventTaskAssigned,
			TaskID:     d.task.ID,
			AgentID:    d.agentID,
			WorkflowID: d.task.WorkflowID,
		})
		s.logger.Debug("dispatched task",
			zap.String("task", d.task.ID),
			zap.String("agent", d.agentID),
			zap.Int("priority", d.task.Priority))
		go s.run(d)
	}
}

// pickAgent scores all eligible agents and returns the best one's id, or ""
// when none qualifies. Ties go to the earliest-registered agent.
func (s *Scheduler) pickAgent(t *Task) string {
	var bestID string
	var bestScore float64
	s.registry.forEachInOrder(func(a *Agent) {
		if a.draining || a.ActiveTasks >= a.MaxConcurrency {
			return
		}
		if t.RequiredRole != "" && a.Role != t.RequiredRole {
			return
		}
		score := 0.0
		if t.RequiredRole != "" && a.Role == t.RequiredRole {
			score += roleMatchBonus
		}
		score += capabilityWeight * float64(capabilityOverlap(t.RequiredCapabilities, a.Capabilities))
		score -= loadPenaltyWeight * float64(a.ActiveTasks)
		score -= latencyPenaltyWeight * a.MeanLatency().Seconds()
		if bestID == "" || score > bestScore {
			bestID = a.ID
			bestScore = score
		}
	})
	return bestID
}

func capabilityOverlap(required, offered []string) int {
	if len(required) == 0 || len(offered) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(offered))
	for _, c := range offered {
		set[c] = struct{}{}
	}
	n := 0
	for _, c := range required {
		if _, ok := set[c]; ok {
			n++
		}
	}
	return n
}

// run executes one dispatched task, racing the agent's execute function
// against the task timeout. Timeout is "stop waiting", not "stop
// executing": the context is cancelled, but an executor that ignores it
// keeps running and its late result is discarded by the store.
func (s *Scheduler) run(d dispatch) {
	if !s.store.markStarted(d.task.ID) {
		// Cancelled between assignment and start; give the slot back
		// without counting an attempt.
		s.registry.unacquire(d.agentID)
		s.schedule()
		return
	}
	s.events.emit(Event{
		Type:       EventTaskStarted,
		TaskID:     d.task.ID,
		AgentID:    d.agentID,
		WorkflowID: d.task.WorkflowID,
	})

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("agent panicked: %v", r)}
			}
		}()
		v, err := d.fn(ctx, d.task.view())
		ch <- outcome{result: v, err: err}
	}()

	var out outcome
	timedOut := false
	select {
	case out = <-ch:
	case <-ctx.Done():
		timedOut = true
		out = outcome{err: fmt.Errorf("%w after %s", ErrTaskTimeout, d.timeout)}
	}

	latency := time.Since(start)
	var applied bool
	if out.err != nil {
		applied = s.store.fail(d.task.ID, out.err, timedOut)
	} else {
		applied = s.store.complete(d.task.ID, out.result)
	}

	// The agent handled the attempt either way.
	s.registry.release(d.agentID, latency)

	if applied {
		if out.err != nil {
			s.metrics.taskFailed(latency)
			s.events.emit(Event{
				Type:       EventTaskFailed,
				TaskID:     d.task.ID,
				AgentID:    d.agentID,
				WorkflowID: d.task.WorkflowID,
				Error:      out.err.Error(),
			})
			s.logger.Warn("task failed",
				zap.String("task", d.task.ID),
				zap.String("agent", d.agentID),
				zap.Bool("timed_out", timedOut),
				zap.Error(out.err))
		} else {
			s.metrics.taskCompleted(latency)
			s.events.emit(Event{
				Type:       EventTaskCompleted,
				TaskID:     d.task.ID,
				AgentID:    d.agentID,
				WorkflowID: d.task.WorkflowID,
			})
			s.logger.Debug("task completed",
				zap.String("task", d.task.ID),
				zap.String("agent", d.agentID),
				zap.Duration("latency", latency))
		}
	}

	// Freed capacity may unblock queued work.
	s.schedule()
}
