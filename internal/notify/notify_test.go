package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidra-labs/taskhive/internal/orchestrator"
)

// captureNotifier records everything sent to it.
type captureNotifier struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (c *captureNotifier) Platform() string { return "capture" }

func (c *captureNotifier) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("platform down")
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *captureNotifier) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestManagerNotifiesOnTerminalEvents(t *testing.T) {
	m := NewManager(zap.NewNop())
	capture := &captureNotifier{}
	m.Register(capture)

	orch := orchestrator.New(orchestrator.Options{}, zap.NewNop())
	orch.Subscribe(m.Observer())

	orch.RegisterAgent(orchestrator.AgentSpec{
		Role: orchestrator.RoleEngineer,
		Execute: func(ctx context.Context, task orchestrator.TaskView) (any, error) {
			if task.Title == "bad" {
				return nil, errors.New("exploded")
			}
			return "ok", nil
		},
	})

	// A successful task should not page anyone.
	good, _ := orch.CreateTask(orchestrator.TaskSpec{Title: "good"})
	orch.AwaitTask(context.Background(), good, 2*time.Second)

	bad, _ := orch.CreateTask(orchestrator.TaskSpec{Title: "bad"})
	orch.AwaitTask(context.Background(), bad, 2*time.Second)

	orch.ExecuteWorkflow(context.Background(), orchestrator.WorkflowSpec{
		Name:     "announced",
		Strategy: orchestrator.StrategyParallel,
		Steps:    []orchestrator.StepSpec{{Title: "step"}},
	})

	m.Close()

	msgs := capture.messages()
	var sawFailure, sawWorkflow bool
	for _, msg := range msgs {
		if strings.Contains(msg, "task "+bad) && strings.Contains(msg, "exploded") {
			sawFailure = true
		}
		if strings.Contains(msg, "workflow") && strings.Contains(msg, "completed") {
			sawWorkflow = true
		}
		if strings.Contains(msg, "task "+good) {
			t.Errorf("successful task produced a notification: %q", msg)
		}
	}
	if !sawFailure {
		t.Errorf("task failure never notified: %v", msgs)
	}
	if !sawWorkflow {
		t.Errorf("workflow completion never notified: %v", msgs)
	}
}

func TestManagerSurvivesFailingNotifier(t *testing.T) {
	m := NewManager(zap.NewNop())
	broken := &captureNotifier{fail: true}
	working := &captureNotifier{}
	m.Register(broken)
	m.Register(working)

	observe := m.Observer()
	observe(orchestrator.Event{
		Type:       orchestrator.EventWorkflowFailed,
		WorkflowID: "wf-1",
		Error:      "boom",
	})
	m.Close()

	msgs := working.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "wf-1") {
		t.Errorf("healthy notifier missed the message: %v", msgs)
	}
}

func TestRenderSkipsRoutineEvents(t *testing.T) {
	routine := []orchestrator.EventType{
		orchestrator.EventTaskCreated,
		orchestrator.EventTaskAssigned,
		orchestrator.EventTaskStarted,
		orchestrator.EventTaskCompleted,
		orchestrator.EventAgentRegistered,
	}
	for _, typ := range routine {
		if got := render(orchestrator.Event{Type: typ}); got != "" {
			t.Errorf("event %s rendered %q, want silence", typ, got)
		}
	}
}
