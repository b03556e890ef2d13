package orchestrator

import (
	"sync"
	"time"
)

// Metrics holds process-lifetime counters for the orchestrator instance.
// Counters reset only when the process restarts.
type Metrics struct {
	mu            sync.Mutex
	tasksCreated  uint64
	tasksDone     uint64
	tasksFailed   uint64
	workflows     uint64
	totalLatency  time.Duration
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	TasksCreated   uint64        `json:"tasks_created"`
	TasksCompleted uint64        `json:"tasks_completed"`
	TasksFailed    uint64        `json:"tasks_failed"`
	Workflows      uint64        `json:"workflows"`
	TotalLatency   time.Duration `json:"total_latency"`
}

func (m *Metrics) taskCreated() {
	m.mu.Lock()
	m.tasksCreated++
	m.mu.Unlock()
}

func (m *Metrics) taskCompleted(latency time.Duration) {
	m.mu.Lock()
	m.tasksDone++
	m.totalLatency += latency
	m.mu.Unlock()
}

func (m *Metrics) taskFailed(latency time.Duration) {
	m.mu.Lock()
	m.tasksFailed++
	m.totalLatency += latency
	m.mu.Unlock()
}

func (m *Metrics) workflowExecuted() {
	m.mu.Lock()
	m.workflows++
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		TasksCreated:   m.tasksCreated,
		TasksCompleted: m.tasksDone,
		TasksFailed:    m.tasksFailed,
		Workflows:      m.workflows,
		TotalLatency:   m.totalLatency,
	}
}
