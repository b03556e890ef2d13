package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nidra-labs/taskhive/internal/orchestrator"
)

// ExecutorSpec describes how an agent registered over HTTP does its work.
// Builtin kinds exist for wiring and testing; real deployments use webhook
// executors that forward each task to a worker endpoint.
type ExecutorSpec struct {
	Kind     string `json:"kind"`               // "webhook", "echo" or "sleep"
	Endpoint string `json:"endpoint,omitempty"` // webhook target URL
	DelayMS  int    `json:"delay_ms,omitempty"` // sleep duration
}

// ExecutorFactory builds orchestrator execute functions from wire specs.
type ExecutorFactory struct {
	client *http.Client
}

// NewExecutorFactory creates a factory with a bounded HTTP client for
// webhook executors.
func NewExecutorFactory() *ExecutorFactory {
	return &ExecutorFactory{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Build resolves a spec into an execute function.
func (f *ExecutorFactory) Build(spec ExecutorSpec) (orchestrator.ExecuteFunc, error) {
	switch spec.Kind {
	case "echo":
		return echoExecutor, nil
	case "sleep":
		delay := time.Duration(spec.DelayMS) * time.Millisecond
		return sleepExecutor(delay), nil
	case "webhook":
		if spec.Endpoint == "" {
			return nil, fmt.Errorf("webhook executor requires an endpoint")
		}
		return f.webhookExecutor(spec.Endpoint), nil
	default:
		return nil, fmt.Errorf("unknown executor kind %q", spec.Kind)
	}
}

func echoExecutor(ctx context.Context, task orchestrator.TaskView) (any, error) {
	return map[string]any{"echo": task.Title, "input": task.Input}, nil
}

func sleepExecutor(delay time.Duration) orchestrator.ExecuteFunc {
	return func(ctx context.Context, task orchestrator.TaskView) (any, error) {
		select {
		case <-time.After(delay):
			return map[string]any{"slept_ms": delay.Milliseconds()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// webhookResponse is what a worker endpoint returns. A non-empty error
// fails the task even on a 200 response.
type webhookResponse struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

func (f *ExecutorFactory) webhookExecutor(endpoint string) orchestrator.ExecuteFunc {
	return func(ctx context.Context, task orchestrator.TaskView) (any, error) {
		body, err := json.Marshal(task)
		if err != nil {
			return nil, fmt.Errorf("encode task: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("call worker %s: %w", endpoint, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("worker %s returned %d: %s", endpoint, resp.StatusCode, msg)
		}
		var out webhookResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode worker response: %w", err)
		}
		if out.Error != "" {
			return nil, fmt.Errorf("worker %s: %s", endpoint, out.Error)
		}
		return out.Result, nil
	}
}
