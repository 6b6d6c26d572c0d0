package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-conductor/internal/apperr"
	"github.com/nidhogg/nuka-conductor/internal/coordinator"
	"github.com/nidhogg/nuka-conductor/internal/health"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/state"
	"github.com/nidhogg/nuka-conductor/internal/task"
	"github.com/nidhogg/nuka-conductor/internal/workflow"
	"go.uber.org/zap"
)

// ChangeFeed streams state changes recorded after lastID.
type ChangeFeed interface {
	Tail(ctx context.Context, lastID string) <-chan state.Change
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	coord   *coordinator.Coordinator
	engine  *workflow.Engine
	state   *state.Store
	monitor *health.Monitor
	feed    ChangeFeed
	logger  *zap.Logger
}

// NewHandler creates a new API handler. monitor may be nil.
func NewHandler(
	coord *coordinator.Coordinator,
	engine *workflow.Engine,
	st *state.Store,
	monitor *health.Monitor,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		coord:   coord,
		engine:  engine,
		state:   st,
		monitor: monitor,
		logger:  logger,
	}
}

// SetChangeFeed enables GET /api/state/changes.
func (h *Handler) SetChangeFeed(f ChangeFeed) {
	h.feed = f
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
		r.Get("/health/agents", h.agentHealth)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Get("/agents/{id}", h.getAgent)
		r.Delete("/agents/{id}", h.unregisterAgent)
		r.Put("/agents/{id}/status", h.updateAgentStatus)

		r.Get("/tasks", h.listTasks)
		r.Post("/tasks", h.submitTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/cancel", h.cancelTask)

		r.Get("/coordinator/status", h.coordinatorStatus)
		r.Post("/coordinator/save", h.saveState)
		r.Post("/coordinator/load", h.loadState)

		// Workflow routes
		r.Get("/templates", h.listTemplates)
		r.Post("/templates", h.createTemplate)
		r.Get("/templates/{id}", h.getTemplate)
		r.Put("/templates/{id}", h.updateTemplate)
		r.Delete("/templates/{id}", h.deleteTemplate)

		r.Get("/workflows", h.listWorkflows)
		r.Post("/workflows", h.createWorkflow)
		r.Post("/workflows/from-template", h.createFromTemplate)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Post("/workflows/{id}/{action}", h.workflowAction)

		r.Get("/state", h.getState)
		r.Get("/state/changes", h.streamState)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": h.coord.Running(),
	})
}

func (h *Handler) agentHealth(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeJSON(w, http.StatusOK, []*health.AgentHealth{})
		return
	}
	writeJSON(w, http.StatusOK, h.monitor.Reports())
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.Filter{
		Types:        splitList(q.Get("type")),
		Capabilities: splitList(q.Get("capability")),
	}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, registry.Status(s))
	}
	writeJSON(w, http.StatusOK, h.coord.Agents().Filter(f))
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var a registry.Agent
	if !decodeBody(w, r, &a) {
		return
	}
	stored, err := h.coord.RegisterAgent(&a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := h.coord.Agents().Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.UnregisterAgent(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusRequest struct {
	Status registry.Status `json:"status"`
}

func (h *Handler) updateAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.coord.UpdateAgentStatus(id, req.Status); err != nil {
		writeError(w, err)
		return
	}
	a, _ := h.coord.Agents().Get(id)
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{
		Types:      splitList(q.Get("type")),
		AssignedTo: q.Get("assigned_to"),
	}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, task.Status(s))
	}
	for _, p := range splitList(q.Get("priority")) {
		f.Priorities = append(f.Priorities, task.Priority(p))
	}
	writeJSON(w, http.StatusOK, h.coord.Tasks().Filter(f))
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var t task.Task
	if !decodeBody(w, r, &t) {
		return
	}
	id, err := h.coord.SubmitTask(&t)
	if err != nil {
		writeError(w, err)
		return
	}
	stored, _ := h.coord.Tasks().Get(id)
	writeJSON(w, http.StatusCreated, stored)
}

type taskView struct {
	*task.Task
	BlockedBy []string `json:"blockedBy"`
	Ready     bool     `json:"ready"`
	InCycle   bool     `json:"inCycle,omitempty"`
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tasks := h.coord.Tasks()
	t, ok := tasks.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	view := taskView{Task: t, BlockedBy: []string{}}
	for _, dep := range tasks.DependencyChain(id) {
		if d, ok := tasks.Get(dep); !ok || d.Status != task.StatusCompleted {
			view.BlockedBy = append(view.BlockedBy, dep)
		}
	}
	view.Ready = t.Status == task.StatusPending && tasks.AreDependenciesSatisfied(id)
	view.InCycle = tasks.InCycle(id)
	writeJSON(w, http.StatusOK, view)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}
	id := chi.URLParam(r, "id")
	if err := h.coord.CancelTask(id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	t, _ := h.coord.Tasks().Get(id)
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) coordinatorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Status())
}

// saveState writes the configured state file, or the snapshot archive with
// ?target=archive.
func (h *Handler) saveState(w http.ResponseWriter, r *http.Request) {
	var err error
	switch target := r.URL.Query().Get("target"); target {
	case "archive":
		err = h.coord.ArchiveSnapshot(r.Context())
	case "", "file":
		path := h.coord.Config().StateFile
		if path == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no state file configured"})
			return
		}
		err = h.coord.SaveState(path)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown target " + target})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (h *Handler) loadState(w http.ResponseWriter, r *http.Request) {
	var err error
	switch target := r.URL.Query().Get("target"); target {
	case "archive":
		err = h.coord.RestoreLatest(r.Context())
	case "", "file":
		path := h.coord.Config().StateFile
		if path == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no state file configured"})
			return
		}
		err = h.coord.LoadState(path)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown target " + target})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.coord.Status())
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusOK, h.state.Snapshot())
		return
	}
	if e, ok := h.state.Entry(path); ok {
		writeJSON(w, http.StatusOK, map[string]any{"path": path, "value": e.Value, "meta": e.Meta})
		return
	}
	values := make(map[string]any)
	for _, k := range h.state.Keys(path + ".") {
		if v, ok := h.state.Get(k); ok {
			values[k] = v
		}
	}
	if len(values) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "state path not found"})
		return
	}
	writeJSON(w, http.StatusOK, values)
}

// streamState relays mirrored state changes as server-sent events.
// ?from= is a stream id; "0" replays the whole stream, default is new only.
func (h *Handler) streamState(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "state feed not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for c := range h.feed.Tail(r.Context(), r.URL.Query().Get("from")) {
		data, err := json.Marshal(c)
		if err != nil {
			h.logger.Warn("encode state change failed", zap.String("path", c.Path), zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "event: change\ndata: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrDuplicateID), errors.Is(err, apperr.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrInvalidDefinition):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
