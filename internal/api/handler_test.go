package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nidra-labs/taskhive/internal/orchestrator"
	"go.uber.org/zap"
)

// newTestServer creates a handler over a fresh in-memory orchestrator.
func newTestServer(t *testing.T) (*orchestrator.Orchestrator, *httptest.Server) {
	t.Helper()
	orch := orchestrator.New(orchestrator.Options{}, zap.NewNop())
	h := NewHandler(orch, NewExecutorFactory(), zap.NewNop())
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return orch, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func deleteReq(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("DELETE", ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func TestHealthCheck(t *testing.T) {
	_, ts := newTestServer(t)

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("health body: %v", body)
	}
}

func TestRegisterAndGetAgent(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/agents", registerAgentRequest{
		Name:           "echo-1",
		Role:           orchestrator.RoleEngineer,
		Capabilities:   []string{"go"},
		MaxConcurrency: 2,
		Executor:       ExecutorSpec{Kind: "echo"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var created orchestrator.Agent
	decodeJSON(t, resp, &created)
	if created.ID == "" || created.Name != "echo-1" {
		t.Fatalf("created agent: %+v", created)
	}

	resp = getJSON(t, ts, "/api/agents/"+created.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var fetched orchestrator.Agent
	decodeJSON(t, resp, &fetched)
	if fetched.Role != orchestrator.RoleEngineer {
		t.Errorf("fetched role = %q", fetched.Role)
	}

	resp = getJSON(t, ts, "/api/agents/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing agent status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRegisterAgentRejectsBadExecutor(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/agents", registerAgentRequest{
		Role:     orchestrator.RoleEngineer,
		Executor: ExecutorSpec{Kind: "telepathy"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/agents", registerAgentRequest{
		Role:     orchestrator.RoleEngineer,
		Executor: ExecutorSpec{Kind: "webhook"}, // no endpoint
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("endpointless webhook status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/agents", registerAgentRequest{
		Role:     orchestrator.RoleEngineer,
		Executor: ExecutorSpec{Kind: "echo"},
	})
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/tasks", createTaskRequest{
		Title:    "ship-it",
		Input:    map[string]any{"target": "prod"},
		Priority: 2,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var task orchestrator.Task
	decodeJSON(t, resp, &task)
	if task.ID == "" || task.Priority != 2 {
		t.Fatalf("created task: %+v", task)
	}

	resp = postJSON(t, ts, "/api/tasks/"+task.ID+"/await", awaitTaskRequest{TimeoutMS: 2000})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("await status = %d", resp.StatusCode)
	}
	var out awaitResponse
	decodeJSON(t, resp, &out)
	if out.Error != "" {
		t.Fatalf("await error: %s", out.Error)
	}
	if out.Task.Status != orchestrator.TaskCompleted {
		t.Errorf("task status = %q", out.Task.Status)
	}
	echoed, _ := out.Task.Result.(map[string]any)
	if echoed["echo"] != "ship-it" {
		t.Errorf("echo result: %v", out.Task.Result)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/tasks", createTaskRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("untitled task status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHeldTaskSubmitAndCancel(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/tasks", createTaskRequest{Title: "parked", Hold: true})
	var task orchestrator.Task
	decodeJSON(t, resp, &task)
	if task.Status != orchestrator.TaskPending {
		t.Fatalf("held task status = %q", task.Status)
	}

	resp = postJSON(t, ts, "/api/tasks/"+task.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	var cancelled orchestrator.Task
	decodeJSON(t, resp, &cancelled)
	if cancelled.Status != orchestrator.TaskCancelled {
		t.Errorf("status after cancel = %q", cancelled.Status)
	}

	// Cancelling again conflicts with the terminal state.
	resp = postJSON(t, ts, "/api/tasks/"+task.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double cancel status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// Submitting a cancelled task is also rejected.
	resp = postJSON(t, ts, "/api/tasks/"+task.ID+"/submit", nil)
	if resp.StatusCode == http.StatusOK {
		t.Error("submit after cancel succeeded")
	}
	resp.Body.Close()
}

func TestDeregisterAgentOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/agents", registerAgentRequest{
		Role:     orchestrator.RoleEngineer,
		Executor: ExecutorSpec{Kind: "echo"},
	})
	var a orchestrator.Agent
	decodeJSON(t, resp, &a)

	resp = deleteReq(t, ts, "/api/agents/"+a.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deregister status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = deleteReq(t, ts, "/api/agents/"+a.ID)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second deregister status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWebhookExecutorRoundTrip(t *testing.T) {
	// A fake worker that doubles the input.
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var task orchestrator.TaskView
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, _ := task.Input["n"].(float64)
		json.NewEncoder(w).Encode(webhookResponse{Result: n * 2})
	}))
	defer worker.Close()

	_, ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/agents", registerAgentRequest{
		Role:     orchestrator.RoleEngineer,
		Executor: ExecutorSpec{Kind: "webhook", Endpoint: worker.URL},
	})
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/tasks", createTaskRequest{
		Title: "double",
		Input: map[string]any{"n": 21},
	})
	var task orchestrator.Task
	decodeJSON(t, resp, &task)

	resp = postJSON(t, ts, "/api/tasks/"+task.ID+"/await", awaitTaskRequest{TimeoutMS: 2000})
	var out awaitResponse
	decodeJSON(t, resp, &out)
	if out.Error != "" {
		t.Fatalf("await error: %s", out.Error)
	}
	if got, _ := out.Task.Result.(float64); got != 42 {
		t.Errorf("webhook result = %v, want 42", out.Task.Result)
	}
}

func TestWebhookExecutorWorkerError(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(webhookResponse{Error: "out of cheese"})
	}))
	defer worker.Close()

	_, ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/agents", registerAgentRequest{
		Role:     orchestrator.RoleEngineer,
		Executor: ExecutorSpec{Kind: "webhook", Endpoint: worker.URL},
	})
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/tasks", createTaskRequest{Title: "doomed"})
	var task orchestrator.Task
	decodeJSON(t, resp, &task)

	resp = postJSON(t, ts, "/api/tasks/"+task.ID+"/await", awaitTaskRequest{TimeoutMS: 2000})
	var out awaitResponse
	decodeJSON(t, resp, &out)
	if out.Error == "" || out.Task.Status != orchestrator.TaskFailed {
		t.Errorf("worker error not surfaced: %+v", out)
	}
}

func TestWorkflowOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/agents", registerAgentRequest{
		Role:           orchestrator.RoleEngineer,
		MaxConcurrency: 4,
		Executor:       ExecutorSpec{Kind: "echo"},
	})
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/workflows", orchestrator.WorkflowSpec{
		Name:     "fan-out",
		Strategy: orchestrator.StrategyParallel,
		Steps: []orchestrator.StepSpec{
			{Title: "a"},
			{Title: "b"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("workflow status = %d", resp.StatusCode)
	}
	var wf orchestrator.Workflow
	decodeJSON(t, resp, &wf)
	if wf.Status != orchestrator.WorkflowCompleted || len(wf.TaskIDs) != 2 {
		t.Fatalf("workflow record: %+v", wf)
	}

	resp = getJSON(t, ts, "/api/workflows/"+wf.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get workflow status = %d", resp.StatusCode)
	}
	var fetched orchestrator.Workflow
	decodeJSON(t, resp, &fetched)
	if fetched.ID != wf.ID {
		t.Errorf("fetched workflow id = %q", fetched.ID)
	}

	resp = postJSON(t, ts, "/api/workflows", orchestrator.WorkflowSpec{
		Name:     "bogus",
		Strategy: orchestrator.Strategy("mystery"),
		Steps:    []orchestrator.StepSpec{{Title: "a"}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown strategy status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/agents", registerAgentRequest{
		Role:     orchestrator.RoleEngineer,
		Executor: ExecutorSpec{Kind: "echo"},
	})
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st orchestrator.Status
	decodeJSON(t, resp, &st)
	if len(st.Agents) != 1 {
		t.Errorf("status agents = %d, want 1", len(st.Agents))
	}
}
