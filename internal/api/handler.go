package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/a2a"
	"github.com/nidhogg/agentmesh/internal/discovery"
	"github.com/nidhogg/agentmesh/internal/registry"
	"github.com/nidhogg/agentmesh/internal/task"
	"github.com/nidhogg/agentmesh/internal/tool"
	"github.com/nidhogg/agentmesh/internal/workflow"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry  *registry.Registry
	discovery *discovery.Engine
	tasks     *task.Lifecycle
	tools     *tool.Registry
	workflows workflow.Repository
	executor  *workflow.Executor
	messages  *a2a.MessageLog
	sender    a2a.Sender
	logger    *zap.Logger
}

// NewHandler creates a new API handler. messages and sender may be nil
// when message routing is not configured.
func NewHandler(
	reg *registry.Registry,
	disc *discovery.Engine,
	tasks *task.Lifecycle,
	tools *tool.Registry,
	workflows workflow.Repository,
	executor *workflow.Executor,
	messages *a2a.MessageLog,
	sender a2a.Sender,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		registry:  reg,
		discovery: disc,
		tasks:     tasks,
		tools:     tools,
		workflows: workflows,
		executor:  executor,
		messages:  messages,
		sender:    sender,
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

		r.Post("/agents/register", h.registerAgent)
		r.Get("/agents/discover", h.discoverAgents)
		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}", h.getAgent)
		r.Post("/agents/{id}/heartbeat", h.agentHeartbeat)
		r.Delete("/agents/{id}", h.unregisterAgent)

		r.Post("/tasks", h.createTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Put("/tasks/{id}/status", h.updateTaskStatus)

		r.Post("/workflows", h.createWorkflow)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Post("/workflows/{id}/execute", h.executeWorkflow)
		r.Get("/executions/{id}", h.getExecution)
		r.Post("/executions/{id}/cancel", h.cancelExecution)

		r.Get("/tools", h.listTools)
		r.Post("/tools/{name}/invoke", h.invokeTool)

		r.Post("/messages", h.sendMessage)
		r.Get("/messages", h.messageHistory)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "agentmesh"})
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var desc registry.AgentDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.registry.Register(r.Context(), &desc)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	agent, err := h.registry.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.ListActive(registry.DefaultStaleness))
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *Handler) agentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.registry.Heartbeat(r.Context(), id) {
		writeError(w, http.StatusNotFound, registry.ErrAgentNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Unregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// discoverAgents reads criteria from query parameters: repeated
// capability/modality values plus optional numeric thresholds.
func (h *Handler) discoverAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	criteria := discovery.Criteria{
		Capabilities: q["capability"],
		Modalities:   q["modality"],
	}
	if v := q.Get("min_success_rate"); v != "" {
		f, err := parseFloat(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		criteria.MinSuccessRate = &f
	}
	if v := q.Get("max_response_time"); v != "" {
		f, err := parseFloat(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		criteria.MaxResponseTime = &f
	}

	candidates, err := h.discovery.Discover(r.Context(), criteria)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

type createTaskRequest struct {
	AgentID        string          `json:"agent_id"`
	Input          json.RawMessage `json:"input_data"`
	Priority       string          `json:"priority"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, errors.New("agent_id is required"))
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	t, err := h.tasks.Create(r.Context(), req.AgentID, req.Input, timeout, task.Priority(req.Priority))
	if err != nil {
		var rejected *task.DelegationRejectedError
		if errors.As(err, &rejected) {
			// The task exists in failed state; surface both.
			writeJSON(w, http.StatusBadGateway, t)
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateTaskRequest struct {
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output_data"`
	Message string          `json:"error_message"`
}

func (h *Handler) updateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := h.tasks.UpdateStatus(r.Context(), chi.URLParam(r, "id"), task.Status(req.Status), req.Output, req.Message)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	// Validate before persisting so broken graphs never land in storage.
	if _, err := workflow.Compile(def); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := h.workflows.SaveWorkflow(r.Context(), &def); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := h.workflows.LoadWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type executeWorkflowRequest struct {
	Inputs json.RawMessage `json:"inputs"`
}

func (h *Handler) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var req executeWorkflowRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	def, err := h.workflows.LoadWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	graph, err := workflow.Compile(*def)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	id, err := h.executor.Start(r.Context(), graph, req.Inputs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := h.executor.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (h *Handler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := h.executor.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tools.List())
}

type invokeToolRequest struct {
	Caller string          `json:"caller"`
	Args   json.RawMessage `json:"args"`
}

func (h *Handler) invokeTool(w http.ResponseWriter, r *http.Request) {
	var req invokeToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Caller == "" {
		req.Caller = r.RemoteAddr
	}
	out, err := h.tools.Invoke(r.Context(), chi.URLParam(r, "name"), req.Caller, req.Args)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(out))
}

// sendMessage routes a protocol message to the target agent's endpoint.
// The envelope is stamped with id, sender, and timestamp before it
// leaves, and the delivered message is echoed back.
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var msg a2a.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if msg.To == "" {
		writeError(w, http.StatusBadRequest, errors.New("to_agent is required"))
		return
	}
	if msg.Type == "" {
		writeError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}
	agent, err := h.registry.Get(msg.To)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if h.sender == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("message routing not configured"))
		return
	}
	if err := h.sender.Send(r.Context(), &msg, agent.Endpoint); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (h *Handler) messageHistory(w http.ResponseWriter, r *http.Request) {
	if h.messages == nil {
		writeJSON(w, http.StatusOK, []*a2a.Message{})
		return
	}
	msgs, err := h.messages.History(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		invalid   *task.InvalidTransitionError
		graphErr  *workflow.GraphValidationError
		noEntry   *workflow.NoEntryPointError
		rateLimit *tool.RateLimitError
	)
	switch {
	case errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, task.ErrTaskNotFound),
		errors.Is(err, tool.ErrToolNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrValidation),
		errors.As(err, &graphErr),
		errors.As(err, &noEntry):
		return http.StatusBadRequest
	case errors.As(err, &invalid):
		return http.StatusConflict
	case errors.As(err, &rateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, registry.ErrUnreachableEndpoint),
		errors.Is(err, task.ErrAgentUnavailable),
		errors.Is(err, a2a.ErrMessageUndelivered):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric query parameter %q", s)
	}
	return f, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
