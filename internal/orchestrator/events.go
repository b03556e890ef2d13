package orchestrator

import (
	"sync"
	"time"
)

// EventType names an observable lifecycle notification.
type EventType string

const (
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentDeregistered EventType = "agent_deregistered"
	EventTaskCreated       EventType = "task_created"
	EventTaskAssigned      EventType = "task_assigned"
	EventTaskStarted       EventType = "task_started"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventTaskCancelled     EventType = "task_cancelled"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
)

// Event is a lifecycle notification carrying the relevant ids.
type Event struct {
	Type       EventType `json:"type"`
	AgentID    string    `json:"agent_id,omitempty"`
	Role       Role      `json:"role,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Observer receives lifecycle events. Observers run synchronously on the
// emitting goroutine and must return quickly; slow consumers should hand
// the event off to their own channel.
type Observer func(Event)

// observerSet is an instance-owned subscription list. There is no global
// emitter, so multiple orchestrator instances never cross-talk.
type observerSet struct {
	mu        sync.RWMutex
	nextID    int
	observers map[int]Observer
}

func newObserverSet() *observerSet {
	return &observerSet{observers: make(map[int]Observer)}
}

// subscribe adds an observer and returns a function that removes it.
func (s *observerSet) subscribe(fn Observer) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *observerSet) emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.RLock()
	fns := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}
