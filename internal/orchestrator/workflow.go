package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxConsensusDuplicates caps how many duplicate tasks a consensus round
// spawns, even when more agents are eligible.
const maxConsensusDuplicates = 5

// ExecuteWorkflow runs a set of step specs as one unit under the spec's
// strategy and returns the workflow record with its aggregated result. Any
// error during execution marks the workflow failed and is returned to the
// caller; nothing is swallowed at the workflow level.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, spec WorkflowSpec) (Workflow, error) {
	strategy := spec.Strategy
	if strategy == "" {
		strategy = o.opts.DefaultStrategy
	}
	switch strategy {
	case StrategyParallel, StrategyPipeline, StrategyMapReduce, StrategyConsensus, StrategyHierarchical:
	default:
		return Workflow{}, fmt.Errorf("unknown workflow strategy %q", strategy)
	}
	if len(spec.Steps) == 0 {
		return Workflow{}, fmt.Errorf("workflow %q has no steps", spec.Name)
	}

	wf := &Workflow{
		ID:        uuid.New().String(),
		Name:      spec.Name,
		Strategy:  strategy,
		Status:    WorkflowRunning,
		StartedAt: time.Now(),
	}
	o.wfMu.Lock()
	o.workflows[wf.ID] = wf
	o.wfMu.Unlock()

	o.metrics.workflowExecuted()
	o.events.emit(Event{Type: EventWorkflowStarted, WorkflowID: wf.ID})
	o.logger.Info("workflow started",
		zap.String("workflow", wf.ID),
		zap.String("name", wf.Name),
		zap.String("strategy", string(strategy)),
		zap.Int("steps", len(spec.Steps)))

	var result any
	var err error
	switch strategy {
	case StrategyParallel:
		var results []any
		results, err = o.runParallel(ctx, wf, spec.Steps)
		result = results
	case StrategyPipeline:
		result, err = o.runPipeline(ctx, wf, spec.Steps)
	case StrategyMapReduce:
		result, err = o.runMapReduce(ctx, wf, spec.Steps, spec.Reducer)
	case StrategyConsensus:
		result, err = o.runConsensus(ctx, wf, spec.Steps[0], spec.Voter)
	case StrategyHierarchical:
		result, err = o.runHierarchical(ctx, wf, spec.Steps[0])
	}

	now := time.Now()
	o.wfMu.Lock()
	wf.CompletedAt = &now
	wf.Duration = now.Sub(wf.StartedAt)
	if err != nil {
		wf.Status = WorkflowFailed
		wf.Error = err.Error()
	} else {
		wf.Status = WorkflowCompleted
		wf.Result = result
	}
	snap := snapshotWorkflow(wf)
	o.wfMu.Unlock()

	if err != nil {
		o.events.emit(Event{Type: EventWorkflowFailed, WorkflowID: wf.ID, Error: err.Error()})
		o.logger.Warn("workflow failed",
			zap.String("workflow", wf.ID),
			zap.String("name", wf.Name),
			zap.Error(err))
		return snap, fmt.Errorf("workflow %q (%s): %w", wf.Name, wf.ID, err)
	}
	o.events.emit(Event{Type: EventWorkflowCompleted, WorkflowID: wf.ID})
	o.logger.Info("workflow completed",
		zap.String("workflow", wf.ID),
		zap.Duration("duration", snap.Duration))
	return snap, nil
}

// spawnStep creates one task belonging to the workflow. The workflow's
// task-id set only ever grows.
func (o *Orchestrator) spawnStep(wf *Workflow, step StepSpec, parentTaskID string) (string, error) {
	id, err := o.CreateTask(TaskSpec{
		Title:                step.Title,
		Description:          step.Description,
		Input:                step.Input,
		RequiredRole:         step.RequiredRole,
		RequiredCapabilities: step.RequiredCapabilities,
		Priority:             step.Priority,
		ParentTaskID:         parentTaskID,
		WorkflowID:           wf.ID,
	})
	if err != nil {
		return "", err
	}
	o.wfMu.Lock()
	wf.TaskIDs = append(wf.TaskIDs, id)
	o.wfMu.Unlock()
	return id, nil
}

// runParallel creates every step as a task and awaits them all. The result
// order matches the input step order, not completion order.
func (o *Orchestrator) runParallel(ctx context.Context, wf *Workflow, steps []StepSpec) ([]any, error) {
	ids := make([]string, len(steps))
	for i, step := range steps {
		id, err := o.spawnStep(wf, step, "")
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}

	results := make([]any, len(ids))
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			t, err := o.AwaitTask(ctx, id, 0)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = t.Result
		}(i, id)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// runPipeline executes steps strictly in sequence, feeding each step's
// result into the next step's input.
func (o *Orchestrator) runPipeline(ctx context.Context, wf *Workflow, steps []StepSpec) (any, error) {
	results := make([]any, 0, len(steps))
	var prev any
	for i, step := range steps {
		if i > 0 {
			step.Input = mergePipelineInput(step.Input, prev)
		}
		id, err := o.spawnStep(wf, step, "")
		if err != nil {
			return nil, err
		}
		t, err := o.AwaitTask(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		prev = t.Result
		results = append(results, t.Result)
	}
	return results, nil
}

// mergePipelineInput shallow-merges the previous step's result into the
// next step's declared input. When the result is a mapping its keys win on
// conflict; anything else is wrapped under "previousResult".
func mergePipelineInput(static map[string]any, prev any) map[string]any {
	merged := make(map[string]any, len(static)+1)
	for k, v := range static {
		merged[k] = v
	}
	if m, ok := prev.(map[string]any); ok {
		for k, v := range m {
			merged[k] = v
		}
	} else {
		merged["previousResult"] = prev
	}
	return merged
}

// runMapReduce runs all steps concurrently and folds the ordered results
// with the caller's reducer. Without a reducer the mapped array is returned
// unchanged.
func (o *Orchestrator) runMapReduce(ctx context.Context, wf *Workflow, steps []StepSpec, reducer ReduceFunc) (any, error) {
	mapped, err := o.runParallel(ctx, wf, steps)
	if err != nil {
		return nil, err
	}
	if reducer == nil {
		return mapped, nil
	}
	reduced, err := reducer(mapped)
	if err != nil {
		return nil, fmt.Errorf("reduce: %w", err)
	}
	return reduced, nil
}

// runConsensus duplicates the template step across eligible agents (capped
// at maxConsensusDuplicates), tolerates individual failures, and applies
// the voter to the successful results only.
func (o *Orchestrator) runConsensus(ctx context.Context, wf *Workflow, template StepSpec, voter VoteFunc) (any, error) {
	eligible := 0
	for _, a := range o.registry.List() {
		if template.RequiredRole == "" || a.Role == template.RequiredRole {
			eligible++
		}
	}
	if eligible == 0 {
		return nil, fmt.Errorf("consensus: %w for role %q", ErrNoEligibleAgents, template.RequiredRole)
	}
	n := eligible
	if n > maxConsensusDuplicates {
		n = maxConsensusDuplicates
	}

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		dup := template
		dup.Title = fmt.Sprintf("%s (consensus %d)", template.Title, i+1)
		id, err := o.spawnStep(wf, dup, "")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	// Settle all duplicates; individual failures only matter if every
	// single one fails.
	var successes []any
	failed := 0
	for _, id := range ids {
		t, err := o.AwaitTask(ctx, id, 0)
		if err != nil {
			failed++
			continue
		}
		successes = append(successes, t.Result)
	}
	if len(successes) == 0 {
		return nil, fmt.Errorf("consensus: %w (%d of %d)", ErrAllDuplicatesFailed, failed, n)
	}

	if voter == nil {
		return successes[0], nil
	}
	voted, err := voter(successes)
	if err != nil {
		return nil, fmt.Errorf("vote: %w", err)
	}
	return voted, nil
}

// runHierarchical executes the root step, then treats its result as a list
// of child step specs to run concurrently. A root result that is not a
// list, or an empty one, passes through unchanged.
func (o *Orchestrator) runHierarchical(ctx context.Context, wf *Workflow, root StepSpec) (any, error) {
	rootID, err := o.spawnStep(wf, root, "")
	if err != nil {
		return nil, err
	}
	rootTask, err := o.AwaitTask(ctx, rootID, 0)
	if err != nil {
		return nil, err
	}

	children, isList, err := decodeStepSpecs(rootTask.Result)
	if err != nil {
		return nil, err
	}
	if !isList || len(children) == 0 {
		return rootTask.Result, nil
	}

	childIDs := make([]string, len(children))
	for i, child := range children {
		id, err := o.spawnStep(wf, child, rootID)
		if err != nil {
			return nil, err
		}
		childIDs[i] = id
	}
	childResults := make([]any, len(childIDs))
	for i, id := range childIDs {
		t, err := o.AwaitTask(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		childResults[i] = t.Result
	}
	return map[string]any{
		"root":     rootTask.Result,
		"children": childResults,
	}, nil
}

// decodeStepSpecs converts a root task's result into child step specs. It
// reports whether the value was a list at all; a list that cannot decode
// into step specs is an error rather than a passthrough.
func decodeStepSpecs(v any) ([]StepSpec, bool, error) {
	switch s := v.(type) {
	case nil:
		return nil, false, nil
	case []StepSpec:
		return s, true, nil
	case []*StepSpec:
		out := make([]StepSpec, len(s))
		for i, p := range s {
			out[i] = *p
		}
		return out, true, nil
	}
	if reflect.ValueOf(v).Kind() != reflect.Slice {
		return nil, false, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, true, fmt.Errorf("decompose root result: %w", err)
	}
	var steps []StepSpec
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, true, fmt.Errorf("root result is not a list of step specs: %w", err)
	}
	return steps, true, nil
}
