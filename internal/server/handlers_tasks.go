package server

import (
	"errors"
	"net/http"

	"github.com/alkimya/gathering-sub003/internal/model"
	"github.com/alkimya/gathering-sub003/internal/registry"
)

// HandleCreateTask handles POST /v1/circles/{id}/tasks. Routing, if the
// circle auto-routes, happens asynchronously off the task.created event.
func (h *Handlers) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	circleID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req model.CreateTaskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.CircleID != 0 && req.CircleID != circleID {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "circle_id in body does not match path")
		return
	}
	req.CircleID = circleID

	t, err := h.facade.CreateTask(r.Context(), req)
	if err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, t)
}

// HandleListTasks handles GET /v1/tasks?circle_id=&status=.
func (h *Handlers) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	var f model.TaskFilter
	var ok bool
	if f.CircleID, ok = queryID(w, r, "circle_id"); !ok {
		return
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := model.ParseTaskStatus(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		f.Status = &st
	}
	writeList(w, r, h.registry.ListTasks(f))
}

// HandleGetTask handles GET /v1/tasks/{id}.
func (h *Handlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.registry.GetTask(id)
	if err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

// HandleAssignTask handles POST /v1/tasks/{id}/assign.
func (h *Handlers) HandleAssignTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req model.AssignTaskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	t, err := h.registry.AssignTask(r.Context(), id, req.AgentID)
	if err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

// HandleUpdateTaskStatus handles POST /v1/tasks/{id}/status.
func (h *Handlers) HandleUpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req model.UpdateStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	status, err := model.ParseTaskStatus(req.Status)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	t, err := h.registry.UpdateTaskStatus(r.Context(), id, status, req.Result)
	if err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

// HandleRouteTask handles POST /v1/tasks/{id}/route. A task left unrouted
// (not pending, or no eligible member) is a 200 with routed=false; a lost
// assignment race is a 409 and is not retried.
func (h *Handlers) HandleRouteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.facade.RouteTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, res.Reason)
			return
		}
		writeRegistryError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}
