package server

import (
	"net/http"

	"github.com/alkimya/gathering-sub003/internal/model"
	"github.com/alkimya/gathering-sub003/internal/orchestration"
)

// HandleCreateCircle handles POST /v1/circles.
func (h *Handlers) HandleCreateCircle(w http.ResponseWriter, r *http.Request) {
	var req model.CreateCircleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	c, err := h.registry.CreateCircle(r.Context(), req)
	if err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, c)
}

// HandleListCircles handles GET /v1/circles?project_id=.
func (h *Handlers) HandleListCircles(w http.ResponseWriter, r *http.Request) {
	projectID, ok := queryID(w, r, "project_id")
	if !ok {
		return
	}
	writeList(w, r, h.registry.ListCircles(projectID))
}

// HandleGetCircle handles GET /v1/circles/{id}.
func (h *Handlers) HandleGetCircle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.registry.GetCircle(id)
	if err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// HandleArchiveCircle handles DELETE /v1/circles/{id}. Circles are archived,
// never removed.
func (h *Handlers) HandleArchiveCircle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.registry.ArchiveCircle(r.Context(), id)
	if err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// HandleAddMember handles POST /v1/circles/{id}/members.
func (h *Handlers) HandleAddMember(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req model.AddMemberRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	m, err := h.registry.AddMember(r.Context(), id, req.Handle(), model.MemberRole(req.Role))
	if err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, m)
}

// HandleListMembers handles GET /v1/circles/{id}/members.
func (h *Handlers) HandleListMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	members, err := h.registry.ListMembers(id)
	if err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	writeList(w, r, members)
}

// HandleRemoveMember handles DELETE /v1/circles/{id}/members/{agent_id}.
func (h *Handlers) HandleRemoveMember(w http.ResponseWriter, r *http.Request) {
	circleID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	agentID, ok := pathID(w, r, "agent_id")
	if !ok {
		return
	}
	if err := h.registry.RemoveMember(r.Context(), circleID, agentID); err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"circle_id": circleID,
		"agent_id":  agentID,
		"removed":   true,
	})
}

// HandleRoutePending handles POST /v1/circles/{id}/route: one routing pass
// over the circle's pending tasks.
func (h *Handlers) HandleRoutePending(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.registry.GetCircle(id); err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	results, err := h.facade.RoutePending(r.Context(), id)
	if err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	writeList(w, r, results)
}

// agentView is an agent with the router's view of its track record.
type agentView struct {
	model.AgentHandle
	Metrics      *orchestration.AgentMetrics `json:"metrics,omitempty"`
	ApprovalRate *float64                    `json:"approval_rate,omitempty"`
}

// HandleGetAgent handles GET /v1/agents/{id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	a, err := h.registry.GetAgent(id)
	if err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	view := agentView{AgentHandle: a}
	if tracker := h.facade.Tracker(); tracker != nil {
		if m, found := tracker.Metrics(id); found {
			view.Metrics = &m
			if rate, known := m.ApprovalRate(); known {
				view.ApprovalRate = &rate
			}
		}
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleSetAgentActive handles POST /v1/agents/{id}/active.
func (h *Handlers) HandleSetAgentActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req model.SetActiveRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	a, err := h.registry.SetAgentActive(r.Context(), id, req.Active)
	if err != nil {
		writeRegistryError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}
