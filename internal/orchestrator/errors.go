package orchestrator

import "errors"

var (
	// ErrAgentNotFound is returned when an agent id doesn't exist.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrTaskNotFound is returned when a task id doesn't exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrWorkflowNotFound is returned when a workflow id doesn't exist.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrTaskTimeout marks a task that exceeded its allotted execution or
	// await time. Timeout means "stop waiting": the execute function is not
	// forcibly stopped, but its late result is discarded.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrTaskTerminal is returned when an operation targets a task that has
	// already reached a final state.
	ErrTaskTerminal = errors.New("task already in terminal state")

	// ErrNoEligibleAgents is returned by a consensus workflow when no
	// registered agent matches the template's required role.
	ErrNoEligibleAgents = errors.New("no eligible agents")

	// ErrAllDuplicatesFailed is returned by a consensus workflow when every
	// duplicate task failed.
	ErrAllDuplicatesFailed = errors.New("all consensus duplicates failed")
)
