package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskStore owns all task records through their lifecycle. Every mutation
// is a validated state transition; once a task is terminal its record never
// changes, so concurrent awaiters all observe the same outcome.
type TaskStore struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	seq    uint64
	logger *zap.Logger
}

// NewTaskStore creates an empty task store.
func NewTaskStore(logger *zap.Logger) *TaskStore {
	return &TaskStore{
		tasks:  make(map[string]*Task),
		logger: logger,
	}
}

// Create builds a pending task record from a spec.
func (s *TaskStore) Create(spec TaskSpec) (*Task, error) {
	if spec.Title == "" {
		return nil, fmt.Errorf("create task: title is required")
	}
	priority := spec.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}
	input := spec.Input
	if input == nil {
		input = map[string]any{}
	}

	s.mu.Lock()
	s.seq++
	t := &Task{
		// Time-based ids keep creation order recoverable; the sequence
		// component disambiguates tasks created in the same millisecond.
		ID:                   fmt.Sprintf("task-%d-%d", time.Now().UnixMilli(), s.seq),
		ParentTaskID:         spec.ParentTaskID,
		WorkflowID:           spec.WorkflowID,
		Title:                spec.Title,
		Description:          spec.Description,
		Input:                input,
		RequiredRole:         spec.RequiredRole,
		RequiredCapabilities: append([]string(nil), spec.RequiredCapabilities...),
		Priority:             priority,
		Status:               TaskPending,
		CreatedAt:            time.Now(),
		seq:                  s.seq,
		timeout:              spec.Timeout,
		done:                 make(chan struct{}),
	}
	s.tasks[t.ID] = t
	s.mu.Unlock()

	s.logger.Debug("created task",
		zap.String("id", t.ID),
		zap.String("title", t.Title),
		zap.Int("priority", t.Priority))
	return t, nil
}

// Get returns a snapshot of the task record.
func (s *TaskStore) Get(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns snapshots of all tasks in creation order.
func (s *TaskStore) List() []Task {
	s.mu.RLock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// markQueued moves a pending task into the queue state.
func (s *TaskStore) markQueued(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("submit %s: %w", id, ErrTaskNotFound)
	}
	if err := transition(t.Status, TaskQueued); err != nil {
		return nil, fmt.Errorf("submit %s: %w", id, err)
	}
	now := time.Now()
	t.Status = TaskQueued
	t.QueuedAt = &now
	return t, nil
}

// markAssigned binds a task to an agent.
func (s *TaskStore) markAssigned(id, agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || transition(t.Status, TaskAssigned) != nil {
		return false
	}
	now := time.Now()
	t.Status = TaskAssigned
	t.AgentID = agentID
	t.AssignedAt = &now
	return true
}

// markStarted records the beginning of execution.
func (s *TaskStore) markStarted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || transition(t.Status, TaskInProgress) != nil {
		return false
	}
	now := time.Now()
	t.Status = TaskInProgress
	t.StartedAt = &now
	return true
}

// complete finishes a task with a result. It reports false if the task is
// already terminal; a late success after a timeout is discarded here.
func (s *TaskStore) complete(id string, result any) bool {
	return s.finish(id, TaskCompleted, func(t *Task) { t.Result = result })
}

// fail finishes a task with an error description.
func (s *TaskStore) fail(id string, execErr error, timedOut bool) bool {
	return s.finish(id, TaskFailed, func(t *Task) {
		t.Error = execErr.Error()
		t.TimedOut = timedOut
	})
}

// Cancel moves a pre-terminal task to cancelled. Queued tasks are dropped
// lazily by the scheduler; in-flight executions keep running but their
// eventual result is discarded.
func (s *TaskStore) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, ErrTaskNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("cancel %s: %w", id, ErrTaskTerminal)
	}
	now := time.Now()
	t.Status = TaskCancelled
	t.CompletedAt = &now
	close(t.done)
	return nil
}

func (s *TaskStore) finish(id string, status TaskStatus, apply func(*Task)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	if transition(t.Status, status) != nil {
		return false
	}
	now := time.Now()
	t.Status = status
	t.CompletedAt = &now
	apply(t)
	close(t.done)
	return true
}

// Await blocks until the task reaches a terminal state or the timeout
// elapses. Completed tasks return their snapshot; failed, cancelled and
// timed-out waits return an error. Any number of concurrent awaiters see
// the same single terminal transition.
func (s *TaskStore) Await(ctx context.Context, id string, timeout time.Duration) (Task, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return Task{}, fmt.Errorf("await %s: %w", id, ErrTaskNotFound)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
	case <-ctx.Done():
		return Task{}, fmt.Errorf("await %s: %w", id, ctx.Err())
	case <-timer.C:
		return Task{}, fmt.Errorf("await %s: %w after %s", id, ErrTaskTimeout, timeout)
	}

	snap, _ := s.Get(id)
	switch snap.Status {
	case TaskCompleted:
		return snap, nil
	case TaskCancelled:
		return snap, fmt.Errorf("task %s was cancelled", id)
	default:
		if snap.TimedOut {
			return snap, fmt.Errorf("task %s: %w: %s", id, ErrTaskTimeout, snap.Error)
		}
		return snap, fmt.Errorf("task %s failed: %s", id, snap.Error)
	}
}
