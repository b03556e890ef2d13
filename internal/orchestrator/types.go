package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// Role classifies the kind of work an agent takes on. The constants below
// are the well-known roles; embedding systems may register agents under
// any other Role value.
type Role string

const (
	RoleArchitect   Role = "architect"
	RoleEngineer    Role = "engineer"
	RoleAnalyst     Role = "analyst"
	RoleSecurity    Role = "security"
	RoleReviewer    Role = "reviewer"
	RoleSynthesizer Role = "synthesizer"
	RoleExplorer    Role = "explorer"
)

// AgentState tracks whether an agent currently holds work.
type AgentState string

const (
	AgentIdle AgentState = "idle"
	AgentBusy AgentState = "busy"
)

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskQueued     TaskStatus = "queued"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. A terminal task is never
// re-enqueued and its record never changes again.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// validTransitions defines the allowed state machine edges.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskQueued, TaskCancelled},
	TaskQueued:     {TaskAssigned, TaskCancelled},
	TaskAssigned:   {TaskInProgress, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskCancelled},
}

// transition returns nil if from→to is a legal state change.
func transition(from, to TaskStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// TaskView is the read-only slice of a task handed to an agent's execute
// function. The orchestrator never inspects the returned result beyond its
// structural shape.
type TaskView struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
}

// ExecuteFunc is the capability an embedding system supplies per agent.
// The context carries the task deadline; implementations that ignore it
// keep running after a timeout, but their late result is discarded.
type ExecuteFunc func(ctx context.Context, task TaskView) (any, error)

// AgentSpec describes an agent at registration time.
type AgentSpec struct {
	Name           string
	Role           Role
	Capabilities   []string
	MaxConcurrency int // 0 means 1
	Execute        ExecuteFunc
}

// Task is a unit of work owned by the task store. Values returned from the
// orchestrator are snapshots; mutation happens only inside this package.
type Task struct {
	ID                   string         `json:"id"`
	ParentTaskID         string         `json:"parent_task_id,omitempty"`
	WorkflowID           string         `json:"workflow_id,omitempty"`
	Title                string         `json:"title"`
	Description          string         `json:"description,omitempty"`
	Input                map[string]any `json:"input,omitempty"`
	RequiredRole         Role           `json:"required_role,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Priority             int            `json:"priority"`
	Status               TaskStatus     `json:"status"`
	AgentID              string         `json:"agent_id,omitempty"`
	Result               any            `json:"result,omitempty"`
	Error                string         `json:"error,omitempty"`
	TimedOut             bool           `json:"timed_out,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	QueuedAt             *time.Time     `json:"queued_at,omitempty"`
	AssignedAt           *time.Time     `json:"assigned_at,omitempty"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`

	seq     uint64
	timeout time.Duration // 0 means the orchestrator default
	done    chan struct{}
}

// view builds the execute-function projection of the task.
func (t *Task) view() TaskView {
	return TaskView{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Input:       t.Input,
		WorkflowID:  t.WorkflowID,
	}
}

// DefaultPriority is the mid value on the 1 (most urgent) to 10 scale.
const DefaultPriority = 5

// TaskSpec describes a task at creation time.
type TaskSpec struct {
	Title                string         `json:"title"`
	Description          string         `json:"description,omitempty"`
	Input                map[string]any `json:"input,omitempty"`
	RequiredRole         Role           `json:"required_role,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Priority             int            `json:"priority,omitempty"` // 0 means DefaultPriority
	ParentTaskID         string         `json:"parent_task_id,omitempty"`
	WorkflowID           string         `json:"workflow_id,omitempty"`
	Timeout              time.Duration  `json:"-"` // 0 means the orchestrator default
	// Hold keeps the task in pending instead of enqueuing it immediately;
	// the caller must call SubmitTask to queue it.
	Hold bool `json:"hold,omitempty"`
}

// Strategy selects how a workflow composes its steps.
type Strategy string

const (
	StrategyParallel     Strategy = "parallel"
	StrategyPipeline     Strategy = "pipeline"
	StrategyMapReduce    Strategy = "map_reduce"
	StrategyConsensus    Strategy = "consensus"
	StrategyHierarchical Strategy = "hierarchical"
)

// WorkflowStatus tracks a workflow's lifecycle.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// StepSpec is one step of a workflow. It carries the same fields as a task
// spec; the engine fills in workflow and parent ids.
type StepSpec struct {
	Title                string         `json:"title"`
	Description          string         `json:"description,omitempty"`
	Input                map[string]any `json:"input,omitempty"`
	RequiredRole         Role           `json:"required_role,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Priority             int            `json:"priority,omitempty"`
}

// ReduceFunc folds the ordered map-phase results into one value.
type ReduceFunc func(results []any) (any, error)

// VoteFunc picks a single result from the successful consensus duplicates.
type VoteFunc func(results []any) (any, error)

// WorkflowSpec describes a workflow execution request.
type WorkflowSpec struct {
	Name     string     `json:"name"`
	Strategy Strategy   `json:"strategy,omitempty"` // "" means the orchestrator default
	Steps    []StepSpec `json:"steps"`
	Reducer  ReduceFunc `json:"-"` // map_reduce; nil means identity
	Voter    VoteFunc   `json:"-"` // consensus; nil means first success
}

// Workflow is the record of one workflow execution.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Strategy    Strategy       `json:"strategy"`
	Status      WorkflowStatus `json:"status"`
	TaskIDs     []string       `json:"task_ids"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration  `json:"duration"`
}
