package mcp

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/alkimya/gathering-sub003/internal/model"
)

const maxCompactDescription = 200

// compactTask returns a minimal representation of a task for MCP responses.
// Timestamps other than creation and the review flag's provenance are dropped;
// long descriptions are truncated.
func compactTask(t model.CircleTask) map[string]any {
	m := map[string]any{
		"id":              t.ID,
		"circle_id":       t.CircleID,
		"title":           t.Title,
		"status":          t.Status,
		"priority":        t.Priority,
		"requires_review": t.RequiresReview,
		"created_at":      t.CreatedAt,
	}
	if t.Description != "" {
		m["description"] = truncate(t.Description, maxCompactDescription)
	}
	if len(t.RequiredCompetencies) > 0 {
		m["required_competencies"] = t.RequiredCompetencies
	}
	if t.AssignedAgentID != nil {
		m["assigned_agent_id"] = *t.AssignedAgentID
	}
	if t.Result != "" {
		m["result"] = truncate(t.Result, maxCompactDescription)
	}
	if note := taskNote(t, time.Now()); note != "" {
		m["note"] = note
	}
	return m
}

// taskNote produces a short hint telling the agent what the task is waiting
// for. Rules are evaluated in order; first match wins.
func taskNote(t model.CircleTask, now time.Time) string {
	switch {
	case t.Status == model.TaskPending && t.AssignedAgentID == nil:
		return "Waiting for routing."
	case t.Status == model.TaskAssigned:
		return "Assigned; call task_start before working on it."
	case t.Status == model.TaskInProgress && t.StartedAt != nil && now.Sub(*t.StartedAt) > 24*time.Hour:
		return fmt.Sprintf("In progress for %.0fh.", now.Sub(*t.StartedAt).Hours())
	case t.Status == model.TaskInReview:
		return "Awaiting review; a reviewer calls task_review."
	}
	return ""
}

// compactMember returns the roster fields an agent needs to pick a reviewer
// or see who is busy.
func compactMember(m model.Member) map[string]any {
	out := map[string]any{
		"agent_id":  m.ID,
		"name":      m.Name,
		"role":      m.Role,
		"is_active": m.Active,
		"busy":      m.CurrentTaskID != nil,
	}
	if label := m.Label(); label != "" {
		out["model"] = label
	}
	if len(m.Competencies) > 0 {
		out["competencies"] = m.Competencies
	}
	if len(m.ReviewCompetencies) > 0 {
		out["can_review"] = m.ReviewCompetencies
	}
	return out
}

// generateTaskSummary creates a one or two sentence synthesis of a task list.
func generateTaskSummary(tasks []model.CircleTask) string {
	if len(tasks) == 0 {
		return "No tasks match."
	}
	counts := map[model.TaskStatus]int{}
	urgent := 0
	for _, t := range tasks {
		counts[t.Status]++
		if model.IsUrgent(t.Priority) && !t.Status.IsTerminal() {
			urgent++
		}
	}
	var parts []string
	for _, st := range model.TaskStatuses {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	summary := fmt.Sprintf("%d task(s): %s.", len(tasks), strings.Join(parts, ", "))
	if urgent > 0 {
		summary += fmt.Sprintf(" %d open task(s) are urgent.", urgent)
	}
	return summary
}

// sortByUrgency orders open tasks before finished ones, then by priority
// (1 is most urgent), then by id.
func sortByUrgency(tasks []model.CircleTask) {
	slices.SortStableFunc(tasks, func(a, b model.CircleTask) int {
		if at, bt := a.Status.IsTerminal(), b.Status.IsTerminal(); at != bt {
			if at {
				return 1
			}
			return -1
		}
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// truncate shortens s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
