package model

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a CircleTask.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskInReview   TaskStatus = "in_review"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskStatuses lists every status, initial first.
var TaskStatuses = []TaskStatus{
	TaskPending, TaskAssigned, TaskInProgress, TaskInReview, TaskCompleted, TaskFailed,
}

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return slices.Contains(TaskStatuses, s)
}

// ParseTaskStatus validates a status string.
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

// Priority bounds. 1 is the most urgent.
const (
	PriorityMin     = 1
	PriorityMax     = 10
	PriorityDefault = 5
)

// Named priorities accepted at task creation.
var priorityLabels = map[string]int{
	"critical": 1,
	"high":     3,
	"medium":   5,
	"low":      8,
}

// ParsePriority normalizes a caller-supplied priority. It accepts one of
// critical/high/medium/low or an integral number in [1,10]; nil yields the
// default. JSON numbers arrive as float64 or json.Number and are accepted
// when they carry no fractional part.
func ParsePriority(v any) (int, error) {
	switch p := v.(type) {
	case nil:
		return PriorityDefault, nil
	case string:
		s := strings.ToLower(strings.TrimSpace(p))
		if n, ok := priorityLabels[s]; ok {
			return n, nil
		}
		return 0, fmt.Errorf("priority %q must be one of critical, high, medium, low or an integer 1-10", p)
	case int:
		return checkPriority(int64(p))
	case int32:
		return checkPriority(int64(p))
	case int64:
		return checkPriority(p)
	case float64:
		if p != math.Trunc(p) || math.IsInf(p, 0) || math.IsNaN(p) {
			return 0, fmt.Errorf("priority %v must be an integer", p)
		}
		return checkPriority(int64(p))
	case json.Number:
		n, err := strconv.ParseInt(p.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("priority %s must be an integer", p)
		}
		return checkPriority(n)
	default:
		return 0, fmt.Errorf("priority has unsupported type %T", v)
	}
}

func checkPriority(n int64) (int, error) {
	if n < PriorityMin || n > PriorityMax {
		return 0, fmt.Errorf("priority %d out of range [%d,%d]", n, PriorityMin, PriorityMax)
	}
	return int(n), nil
}

// IsUrgent reports whether a priority counts as high or critical.
func IsUrgent(priority int) bool {
	return priority <= 3
}

// NormalizeCompetencies trims, lower-cases and de-duplicates tags, keeping
// first-seen order. Empty tags are dropped.
func NormalizeCompetencies(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// CircleTask is a unit of work owned by one circle.
type CircleTask struct {
	ID                   int64      `json:"id"`
	CircleID             int64      `json:"circle_id"`
	Title                string     `json:"title"`
	Description          string     `json:"description"`
	RequiredCompetencies []string   `json:"required_competencies"`
	Priority             int        `json:"priority"`
	Status               TaskStatus `json:"status"`
	AssignedAgentID      *int64     `json:"assigned_agent_id"`
	RequiresReview       bool       `json:"requires_review"`
	Result               string     `json:"result,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (t CircleTask) Clone() CircleTask {
	c := t
	c.RequiredCompetencies = slices.Clone(t.RequiredCompetencies)
	if t.AssignedAgentID != nil {
		id := *t.AssignedAgentID
		c.AssignedAgentID = &id
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return c
}

// CreateTaskRequest is the input for creating a task. Priority is either a
// label string or an integer; see ParsePriority.
type CreateTaskRequest struct {
	CircleID             int64    `json:"circle_id"`
	Title                string   `json:"title"`
	Description          string   `json:"description,omitempty"`
	RequiredCompetencies []string `json:"required_competencies,omitempty"`
	Priority             any      `json:"priority,omitempty"`
}

// TaskFilter narrows ListTasks. Nil fields match everything.
type TaskFilter struct {
	CircleID *int64
	Status   *TaskStatus
}

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t CircleTask) bool {
	if f.CircleID != nil && t.CircleID != *f.CircleID {
		return false
	}
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	return true
}

// Snapshot is the full persisted state, used to rebuild the registry.
// Members carry the membership row (circle, role, join time) with the
// agent id; the agent profile itself comes from Agents.
type Snapshot struct {
	Circles []Circle
	Agents  []AgentHandle
	Members []Member
	Tasks   []CircleTask
}
