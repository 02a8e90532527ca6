package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// MemberRole is the role an agent holds inside a circle.
type MemberRole string

const (
	RoleLead     MemberRole = "lead"
	RoleMember   MemberRole = "member"
	RoleObserver MemberRole = "observer"
)

// ParseMemberRole validates a role string. Empty means RoleMember.
func ParseMemberRole(s string) (MemberRole, error) {
	switch r := MemberRole(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RoleMember, nil
	case RoleLead, RoleMember, RoleObserver:
		return r, nil
	default:
		return "", fmt.Errorf("unknown member role %q (want lead, member or observer)", s)
	}
}

// AgentHandle is the orchestration engine's reference to a worker.
// CurrentTaskID is owned by the registry; callers get copies.
type AgentHandle struct {
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	Provider           string   `json:"provider,omitempty"`
	Model              string   `json:"model,omitempty"`
	Competencies       []string `json:"competencies"`
	ReviewCompetencies []string `json:"can_review"`
	Active             bool     `json:"is_active"`
	CurrentTaskID      *int64   `json:"current_task_id"`
}

// Label is the provider/model pair shown on dashboards.
func (a AgentHandle) Label() string {
	switch {
	case a.Provider == "" && a.Model == "":
		return ""
	case a.Provider == "":
		return a.Model
	case a.Model == "":
		return a.Provider
	}
	return a.Provider + "/" + a.Model
}

// HasCompetency reports whether the agent holds the normalized tag.
func (a AgentHandle) HasCompetency(tag string) bool {
	return slices.Contains(a.Competencies, tag)
}

// CanReview reports whether the agent may review work tagged with tag.
// The tag "all" grants review over everything.
func (a AgentHandle) CanReview(tag string) bool {
	return slices.Contains(a.ReviewCompetencies, tag) || slices.Contains(a.ReviewCompetencies, "all")
}

// Clone returns a deep copy.
func (a AgentHandle) Clone() AgentHandle {
	c := a
	c.Competencies = slices.Clone(a.Competencies)
	c.ReviewCompetencies = slices.Clone(a.ReviewCompetencies)
	if a.CurrentTaskID != nil {
		id := *a.CurrentTaskID
		c.CurrentTaskID = &id
	}
	return c
}

// Member is an agent as seen from one circle.
type Member struct {
	AgentHandle
	CircleID int64      `json:"circle_id"`
	Role     MemberRole `json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
}

// Circle is a named team of agents and the tasks routed to them.
type Circle struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	ProjectID     *int64    `json:"project_id"`
	RequireReview bool      `json:"require_review"`
	AutoRoute     bool      `json:"auto_route"`
	Active        bool      `json:"is_active"`
	MemberIDs     []int64   `json:"member_ids"`
	TaskIDs       []int64   `json:"task_ids"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasMember reports whether agentID belongs to the circle.
func (c Circle) HasMember(agentID int64) bool {
	return slices.Contains(c.MemberIDs, agentID)
}

// Clone returns a deep copy.
func (c Circle) Clone() Circle {
	out := c
	out.MemberIDs = slices.Clone(c.MemberIDs)
	out.TaskIDs = slices.Clone(c.TaskIDs)
	if c.ProjectID != nil {
		p := *c.ProjectID
		out.ProjectID = &p
	}
	return out
}

// CreateCircleRequest is the input for creating a circle. Nil flags default
// to true.
type CreateCircleRequest struct {
	Name          string `json:"name"`
	ProjectID     *int64 `json:"project_id,omitempty"`
	RequireReview *bool  `json:"require_review,omitempty"`
	AutoRoute     *bool  `json:"auto_route,omitempty"`
}

// AddMemberRequest is the HTTP body for adding an agent to a circle.
type AddMemberRequest struct {
	AgentID      int64    `json:"agent_id"`
	Name         string   `json:"name"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	Competencies []string `json:"competencies,omitempty"`
	CanReview    []string `json:"can_review,omitempty"`
	Role         string   `json:"role,omitempty"`
}

// Handle converts the request into an active AgentHandle.
func (r AddMemberRequest) Handle() AgentHandle {
	return AgentHandle{
		ID:                 r.AgentID,
		Name:               r.Name,
		Provider:           r.Provider,
		Model:              r.Model,
		Competencies:       r.Competencies,
		ReviewCompetencies: r.CanReview,
		Active:             true,
	}
}
