package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidra-labs/taskhive/internal/orchestrator"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch      *orchestrator.Orchestrator
	executors *ExecutorFactory
	logger    *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(orch *orchestrator.Orchestrator, executors *ExecutorFactory, logger *zap.Logger) *Handler {
	return &Handler{
		orch:      orch,
		executors: executors,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.status)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Get("/agents/{id}", h.getAgent)
		r.Delete("/agents/{id}", h.deregisterAgent)

		r.Get("/tasks", h.listTasks)
		r.Post("/tasks", h.createTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/submit", h.submitTask)
		r.Post("/tasks/{id}/cancel", h.cancelTask)
		r.Post("/tasks/{id}/await", h.awaitTask)

		r.Post("/workflows", h.executeWorkflow)
		r.Get("/workflows/{id}", h.getWorkflow)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "taskhive"})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Status())
}

type registerAgentRequest struct {
	Name           string            `json:"name"`
	Role           orchestrator.Role `json:"role"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	MaxConcurrency int               `json:"max_concurrency,omitempty"`
	Executor       ExecutorSpec      `json:"executor"`
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	execute, err := h.executors.Build(req.Executor)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, err := h.orch.RegisterAgent(orchestrator.AgentSpec{
		Name:           req.Name,
		Role:           req.Role,
		Capabilities:   req.Capabilities,
		MaxConcurrency: req.MaxConcurrency,
		Execute:        execute,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	a, _ := h.orch.GetAgent(id)
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.ListAgents())
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := h.orch.GetAgent(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) deregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.DeregisterAgent(r.Context(), id); err != nil {
		writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

type createTaskRequest struct {
	Title                string            `json:"title"`
	Description          string            `json:"description,omitempty"`
	Input                map[string]any    `json:"input,omitempty"`
	RequiredRole         orchestrator.Role `json:"required_role,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Priority             int               `json:"priority,omitempty"`
	TimeoutMS            int               `json:"timeout_ms,omitempty"`
	Hold                 bool              `json:"hold,omitempty"`
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, err := h.orch.CreateTask(orchestrator.TaskSpec{
		Title:                req.Title,
		Description:          req.Description,
		Input:                req.Input,
		RequiredRole:         req.RequiredRole,
		RequiredCapabilities: req.RequiredCapabilities,
		Priority:             req.Priority,
		Timeout:              time.Duration(req.TimeoutMS) * time.Millisecond,
		Hold:                 req.Hold,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	task, _ := h.orch.GetTask(id)
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.ListTasks())
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := h.orch.GetTask(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.SubmitTask(id); err != nil {
		writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
		return
	}
	task, _ := h.orch.GetTask(id)
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.CancelTask(id); err != nil {
		writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
		return
	}
	task, _ := h.orch.GetTask(id)
	writeJSON(w, http.StatusOK, task)
}

type awaitTaskRequest struct {
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// awaitResponse carries the terminal task record either way; Error explains
// failed, cancelled and timed-out outcomes.
type awaitResponse struct {
	Task  orchestrator.Task `json:"task"`
	Error string            `json:"error,omitempty"`
}

func (h *Handler) awaitTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req awaitTaskRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	task, err := h.orch.AwaitTask(r.Context(), id, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		if errors.Is(err, orchestrator.ErrTaskNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		// The task reached a terminal state but not success, or the wait
		// itself gave up. Either way the caller gets the current record.
		if task.ID == "" {
			task, _ = h.orch.GetTask(id)
		}
		writeJSON(w, http.StatusOK, awaitResponse{Task: task, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, awaitResponse{Task: task})
}

func (h *Handler) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec orchestrator.WorkflowSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	wf, err := h.orch.ExecuteWorkflow(r.Context(), spec)
	if err != nil {
		// A validation failure has no record; an execution failure does.
		if wf.ID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, wf)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, ok := h.orch.GetWorkflow(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow not found"})
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrAgentNotFound),
		errors.Is(err, orchestrator.ErrTaskNotFound),
		errors.Is(err, orchestrator.ErrWorkflowNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrTaskTerminal):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
