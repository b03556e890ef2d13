// Package history archives orchestrator lifecycle events to PostgreSQL.
// The engine itself is in-memory and process-scoped; the archive is an
// external record for audits and post-mortems, written by an observer so
// a slow database never backs up the scheduler.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidra-labs/taskhive/internal/orchestrator"
)

const schema = `
CREATE TABLE IF NOT EXISTS orchestrator_events (
	id          BIGSERIAL PRIMARY KEY,
	event_type  TEXT NOT NULL,
	agent_id    TEXT,
	agent_role  TEXT,
	task_id     TEXT,
	workflow_id TEXT,
	error       TEXT,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orchestrator_events_task ON orchestrator_events (task_id);
CREATE INDEX IF NOT EXISTS idx_orchestrator_events_workflow ON orchestrator_events (workflow_id);
`

// Archive wraps a PostgreSQL connection pool for event records.
type Archive struct {
	db     *pgxpool.Pool
	logger *zap.Logger

	events chan orchestrator.Event
	done   chan struct{}
}

// New connects to PostgreSQL, ensures the events table exists and starts
// the background writer.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Archive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure events table: %w", err)
	}
	logger.Info("event archive connected")

	a := &Archive{
		db:     pool,
		logger: logger,
		events: make(chan orchestrator.Event, 256),
		done:   make(chan struct{}),
	}
	go a.writeLoop()
	return a, nil
}

// Observer adapts the archive to the orchestrator's subscription
// interface. Events are handed to a buffered channel; when the buffer is
// full the event is dropped with a warning rather than blocking the engine.
func (a *Archive) Observer() orchestrator.Observer {
	return func(e orchestrator.Event) {
		select {
		case a.events <- e:
		default:
			a.logger.Warn("event archive buffer full, dropping event",
				zap.String("type", string(e.Type)))
		}
	}
}

func (a *Archive) writeLoop() {
	defer close(a.done)
	for e := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.insert(ctx, e); err != nil {
			a.logger.Warn("event archive insert failed",
				zap.String("type", string(e.Type)),
				zap.Error(err))
		}
		cancel()
	}
}

func (a *Archive) insert(ctx context.Context, e orchestrator.Event) error {
	_, err := a.db.Exec(ctx,
		`INSERT INTO orchestrator_events (event_type, agent_id, agent_role, task_id, workflow_id, error, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.Type), e.AgentID, string(e.Role), e.TaskID, e.WorkflowID, e.Error, e.Timestamp)
	return err
}

// EventRecord is one archived event row.
type EventRecord struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	AgentID    string    `json:"agent_id,omitempty"`
	Role       string    `json:"role,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TaskHistory returns the archived events for one task in order.
func (a *Archive) TaskHistory(ctx context.Context, taskID string) ([]EventRecord, error) {
	rows, err := a.db.Query(ctx,
		`SELECT id, event_type, agent_id, agent_role, task_id, workflow_id, error, occurred_at
		 FROM orchestrator_events WHERE task_id=$1 ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.ID, &r.Type, &r.AgentID, &r.Role, &r.TaskID, &r.WorkflowID, &r.Error, &r.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WorkflowHistory returns the archived events for one workflow in order.
func (a *Archive) WorkflowHistory(ctx context.Context, workflowID string) ([]EventRecord, error) {
	rows, err := a.db.Query(ctx,
		`SELECT id, event_type, agent_id, agent_role, task_id, workflow_id, error, occurred_at
		 FROM orchestrator_events WHERE workflow_id=$1 ORDER BY id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.ID, &r.Type, &r.AgentID, &r.Role, &r.TaskID, &r.WorkflowID, &r.Error, &r.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close drains pending events and shuts down the pool.
func (a *Archive) Close() {
	close(a.events)
	<-a.done
	a.db.Close()
}
