package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/nuka-conductor/internal/workflow"
)

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*workflow.Template{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) createTemplate(w http.ResponseWriter, r *http.Request) {
	var t workflow.Template
	if !decodeBody(w, r, &t) {
		return
	}
	created, err := h.engine.CreateTemplate(r.Context(), &t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var t workflow.Template
	if !decodeBody(w, r, &t) {
		return
	}
	updated, err := h.engine.UpdateTemplate(r.Context(), chi.URLParam(r, "id"), &t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteTemplate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	status := workflow.Status(r.URL.Query().Get("status"))
	out := []*workflow.Workflow{}
	for _, wf := range h.engine.List() {
		if status == "" || wf.Status == status {
			out = append(out, wf)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type createWorkflowRequest struct {
	workflow.Definition
	Start bool `json:"start"`
}

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wf, err := h.engine.CreateWorkflow(req.Definition)
	if err != nil {
		writeError(w, err)
		return
	}
	h.created(w, r, wf, req.Start)
}

type fromTemplateRequest struct {
	Template string `json:"template"`
	workflow.CreateOptions
	Start bool `json:"start"`
}

func (h *Handler) createFromTemplate(w http.ResponseWriter, r *http.Request) {
	var req fromTemplateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wf, err := h.engine.CreateWorkflowFromTemplate(r.Context(), req.Template, req.CreateOptions)
	if err != nil {
		writeError(w, err)
		return
	}
	h.created(w, r, wf, req.Start)
}

func (h *Handler) created(w http.ResponseWriter, r *http.Request, wf *workflow.Workflow, start bool) {
	if start {
		if err := h.engine.Start(r.Context(), wf.ID); err != nil {
			writeError(w, err)
			return
		}
		if cur, err := h.engine.Get(wf.ID); err == nil {
			wf = cur
		}
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *Handler) workflowAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "start":
		err = h.engine.Start(r.Context(), id)
	case "pause":
		err = h.engine.Pause(id)
	case "resume":
		err = h.engine.Resume(id)
	case "cancel":
		err = h.engine.Cancel(id)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action " + action})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	wf, err := h.engine.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}
