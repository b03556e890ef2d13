package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidra-labs/taskhive/internal/orchestrator"
)

// startPostgres starts a PostgreSQL testcontainer and returns its DSN.
func startPostgres(ctx context.Context, t *testing.T) (string, error) {
	t.Helper()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("taskhive_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		return "", fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return "", fmt.Errorf("pg connection string: %w", err)
	}
	return dsn, nil
}

func TestArchiveRecordsTaskLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	dsn, err := startPostgres(ctx, t)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}

	archive, err := New(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}

	orch := orchestrator.New(orchestrator.Options{}, zap.NewNop())
	unsub := orch.Subscribe(archive.Observer())

	if _, err := orch.RegisterAgent(orchestrator.AgentSpec{
		Role: orchestrator.RoleEngineer,
		Execute: func(ctx context.Context, task orchestrator.TaskView) (any, error) {
			return "done", nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	id, err := orch.CreateTask(orchestrator.TaskSpec{Title: "archived"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := orch.AwaitTask(ctx, id, 2*time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}

	// Stop observing and drain the writer before querying.
	unsub()
	archive.Close()

	verify, err := New(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen archive: %v", err)
	}
	defer verify.Close()

	records, err := verify.TaskHistory(ctx, id)
	if err != nil {
		t.Fatalf("task history: %v", err)
	}
	// created, assigned, started, completed
	if len(records) < 4 {
		t.Fatalf("archived %d events, want at least 4", len(records))
	}
	last := records[len(records)-1]
	if last.Type != string(orchestrator.EventTaskCompleted) {
		t.Errorf("final archived event = %q", last.Type)
	}
	for i := 1; i < len(records); i++ {
		if records[i].ID <= records[i-1].ID {
			t.Error("archived events out of insertion order")
		}
	}
}

func TestArchiveWorkflowHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	dsn, err := startPostgres(ctx, t)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}

	archive, err := New(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	defer archive.Close()

	orch := orchestrator.New(orchestrator.Options{}, zap.NewNop())
	orch.Subscribe(archive.Observer())

	orch.RegisterAgent(orchestrator.AgentSpec{
		Role: orchestrator.RoleEngineer,
		Execute: func(ctx context.Context, task orchestrator.TaskView) (any, error) {
			return task.Title, nil
		},
	})
	wf, err := orch.ExecuteWorkflow(ctx, orchestrator.WorkflowSpec{
		Name:     "audited",
		Strategy: orchestrator.StrategyParallel,
		Steps:    []orchestrator.StepSpec{{Title: "a"}, {Title: "b"}},
	})
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}

	// The writer is asynchronous; poll briefly for the terminal event.
	deadline := time.Now().Add(5 * time.Second)
	for {
		records, err := archive.WorkflowHistory(ctx, wf.ID)
		if err != nil {
			t.Fatalf("workflow history: %v", err)
		}
		done := false
		for _, r := range records {
			if r.Type == string(orchestrator.EventWorkflowCompleted) {
				done = true
			}
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow completion never archived (%d rows)", len(records))
		}
		time.Sleep(50 * time.Millisecond)
	}
}
