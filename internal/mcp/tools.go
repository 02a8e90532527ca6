package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/alkimya/gathering-sub003/internal/model"
	"github.com/alkimya/gathering-sub003/internal/registry"
)

func (s *Server) registerTools() {
	// circle_tasks: what work exists in a circle.
	s.mcpServer.AddTool(
		mcplib.NewTool("circle_tasks",
			mcplib.WithDescription(`List the tasks of a circle, most urgent first.

WHEN TO USE: At the start of a session, and whenever you finish a task, to
see what is assigned to you and what is still waiting for routing.

Pass agent_id to see only your own tasks. Each task carries a short note
telling you what it is waiting for.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("circle_id",
				mcplib.Description("The circle whose tasks to list"),
				mcplib.Required(),
			),
			mcplib.WithString("status",
				mcplib.Description("Optional status filter"),
				mcplib.Enum("pending", "assigned", "in_progress", "in_review", "completed", "failed"),
			),
			mcplib.WithNumber("agent_id",
				mcplib.Description("Optional: only tasks assigned to this agent"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of tasks to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleCircleTasks,
	)

	// task_start: assigned → in_progress.
	s.mcpServer.AddTool(
		mcplib.NewTool("task_start",
			mcplib.WithDescription(`Start working on a task assigned to you.

The task must be assigned to agent_id. Starting moves it to in_progress and
records the start time. Call task_submit or task_fail when you are done.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("task_id", mcplib.Description("The task to start"), mcplib.Required()),
			mcplib.WithNumber("agent_id", mcplib.Description("Your agent id"), mcplib.Required()),
		),
		s.handleTaskStart,
	)

	// task_submit: in_progress → in_review or completed.
	s.mcpServer.AddTool(
		mcplib.NewTool("task_submit",
			mcplib.WithDescription(`Submit the result of a task you are working on.

If the task requires review it moves to in_review and waits for a reviewer;
otherwise it is completed and you are free for the next assignment.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("task_id", mcplib.Description("The task to submit"), mcplib.Required()),
			mcplib.WithNumber("agent_id", mcplib.Description("Your agent id"), mcplib.Required()),
			mcplib.WithString("result",
				mcplib.Description("What you produced: a summary, a link, or the output itself"),
				mcplib.Required(),
			),
		),
		s.handleTaskSubmit,
	)

	// task_fail: give up on a task.
	s.mcpServer.AddTool(
		mcplib.NewTool("task_fail",
			mcplib.WithDescription(`Mark a task you hold as failed.

Use this when you cannot complete the task. The reason is stored as the
task result so the circle can decide what to do next.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("task_id", mcplib.Description("The task that failed"), mcplib.Required()),
			mcplib.WithNumber("agent_id", mcplib.Description("Your agent id"), mcplib.Required()),
			mcplib.WithString("reason", mcplib.Description("Why the task failed"), mcplib.Required()),
		),
		s.handleTaskFail,
	)

	// task_review: in_review → completed or failed.
	s.mcpServer.AddTool(
		mcplib.NewTool("task_review",
			mcplib.WithDescription(`Approve or reject a task waiting for review.

The reviewer must be a member of the task's circle, must not be the agent
who did the work, and must be able to review at least one of the task's
required competencies (or hold the "all" review tag).`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("task_id", mcplib.Description("The task to review"), mcplib.Required()),
			mcplib.WithNumber("reviewer_id", mcplib.Description("Your agent id"), mcplib.Required()),
			mcplib.WithBoolean("approve", mcplib.Description("true completes the task, false fails it"), mcplib.Required()),
			mcplib.WithString("notes", mcplib.Description("Review notes, stored as the task result")),
		),
		s.handleTaskReview,
	)

	// circle_roster: who is in a circle.
	s.mcpServer.AddTool(
		mcplib.NewTool("circle_roster",
			mcplib.WithDescription(`List the members of a circle with their roles, competencies,
review competencies and whether they are currently busy.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("circle_id", mcplib.Description("The circle whose roster to list"), mcplib.Required()),
		),
		s.handleCircleRoster,
	)
}

// idArg reads a required positive integer argument.
func idArg(request mcplib.CallToolRequest, name string) (int64, error) {
	id := int64(request.GetInt(name, 0))
	if id <= 0 {
		return 0, fmt.Errorf("%s is required and must be a positive integer", name)
	}
	return id, nil
}

// toolError converts a registry error into a tool error result. Errors the
// caller cannot act on are logged and reported generically.
func (s *Server) toolError(tool string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, registry.ErrValidation), errors.Is(err, registry.ErrNotFound),
		errors.Is(err, registry.ErrInvalidTransition), errors.Is(err, registry.ErrConflict),
		errors.Is(err, registry.ErrDuplicateMember), errors.Is(err, registry.ErrDuplicateName):
		return errorResult(err.Error())
	}
	s.logger.Error("mcp: tool failed", "tool", tool, "error", err)
	return errorResult(tool + " failed; see server logs")
}

func (s *Server) handleCircleTasks(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	circleID, err := idArg(request, "circle_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if _, err := s.registry.GetCircle(circleID); err != nil {
		return s.toolError("circle_tasks", err), nil
	}

	filter := model.TaskFilter{CircleID: &circleID}
	if v := request.GetString("status", ""); v != "" {
		st, err := model.ParseTaskStatus(v)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		filter.Status = &st
	}
	agentID := int64(request.GetInt("agent_id", 0))
	limit := request.GetInt("limit", 50)
	if limit <= 0 {
		limit = 50
	}

	tasks := s.registry.ListTasks(filter)
	if agentID > 0 {
		mine := tasks[:0]
		for _, t := range tasks {
			if t.AssignedAgentID != nil && *t.AssignedAgentID == agentID {
				mine = append(mine, t)
			}
		}
		tasks = mine
	}
	sortByUrgency(tasks)

	total := len(tasks)
	summary := generateTaskSummary(tasks)
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	compact := make([]map[string]any, len(tasks))
	for i, t := range tasks {
		compact[i] = compactTask(t)
	}
	return jsonResult(map[string]any{
		"circle_id": circleID,
		"tasks":     compact,
		"total":     total,
		"summary":   summary,
	})
}

func (s *Server) handleTaskStart(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	task, agentID, res := s.heldTask(request, "agent_id")
	if res != nil {
		return res, nil
	}
	if task.Status != model.TaskAssigned {
		return errorResult(fmt.Sprintf("task %d is %s; only assigned tasks can be started", task.ID, task.Status)), nil
	}
	t, err := s.registry.UpdateTaskStatus(ctx, task.ID, model.TaskInProgress, "")
	if err != nil {
		return s.toolError("task_start", err), nil
	}
	s.logger.Info("mcp: task started", "task_id", t.ID, "agent_id", agentID)
	return jsonResult(map[string]any{"task": compactTask(t), "status": "started"})
}

func (s *Server) handleTaskSubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	task, agentID, res := s.heldTask(request, "agent_id")
	if res != nil {
		return res, nil
	}
	result := strings.TrimSpace(request.GetString("result", ""))
	if result == "" {
		return errorResult("result is required"), nil
	}
	if task.Status != model.TaskInProgress {
		return errorResult(fmt.Sprintf("task %d is %s; call task_start first", task.ID, task.Status)), nil
	}

	next := model.TaskCompleted
	if task.RequiresReview {
		next = model.TaskInReview
	}
	t, err := s.registry.UpdateTaskStatus(ctx, task.ID, next, result)
	if err != nil {
		return s.toolError("task_submit", err), nil
	}
	s.logger.Info("mcp: task submitted", "task_id", t.ID, "agent_id", agentID, "status", t.Status)
	return jsonResult(map[string]any{"task": compactTask(t), "status": string(t.Status)})
}

func (s *Server) handleTaskFail(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	task, agentID, res := s.heldTask(request, "agent_id")
	if res != nil {
		return res, nil
	}
	reason := strings.TrimSpace(request.GetString("reason", ""))
	if reason == "" {
		return errorResult("reason is required"), nil
	}
	t, err := s.registry.UpdateTaskStatus(ctx, task.ID, model.TaskFailed, reason)
	if err != nil {
		return s.toolError("task_fail", err), nil
	}
	s.logger.Info("mcp: task failed", "task_id", t.ID, "agent_id", agentID)
	return jsonResult(map[string]any{"task": compactTask(t), "status": string(t.Status)})
}

func (s *Server) handleTaskReview(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	taskID, err := idArg(request, "task_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	reviewerID, err := idArg(request, "reviewer_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	task, err := s.registry.GetTask(taskID)
	if err != nil {
		return s.toolError("task_review", err), nil
	}
	if task.Status != model.TaskInReview {
		return errorResult(fmt.Sprintf("task %d is %s; only tasks in review can be reviewed", task.ID, task.Status)), nil
	}
	if task.AssignedAgentID != nil && *task.AssignedAgentID == reviewerID {
		return errorResult("agents cannot review their own work"), nil
	}
	roster, err := s.registry.Roster(task.CircleID)
	if err != nil {
		return s.toolError("task_review", err), nil
	}
	var reviewer *model.AgentHandle
	for i := range roster {
		if roster[i].ID == reviewerID {
			reviewer = &roster[i]
			break
		}
	}
	if reviewer == nil {
		return errorResult(fmt.Sprintf("agent %d is not a member of circle %d", reviewerID, task.CircleID)), nil
	}
	if !canReview(*reviewer, task.RequiredCompetencies) {
		return errorResult(fmt.Sprintf("agent %d cannot review %v", reviewerID, task.RequiredCompetencies)), nil
	}

	next := model.TaskFailed
	if request.GetBool("approve", false) {
		next = model.TaskCompleted
	}
	notes := strings.TrimSpace(request.GetString("notes", ""))
	t, err := s.registry.UpdateTaskStatus(ctx, task.ID, next, notes)
	if err != nil {
		return s.toolError("task_review", err), nil
	}
	s.logger.Info("mcp: task reviewed", "task_id", t.ID, "reviewer_id", reviewerID, "status", t.Status)
	return jsonResult(map[string]any{"task": compactTask(t), "status": string(t.Status), "reviewer_id": reviewerID})
}

func (s *Server) handleCircleRoster(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	circleID, err := idArg(request, "circle_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	members, err := s.registry.ListMembers(circleID)
	if err != nil {
		return s.toolError("circle_roster", err), nil
	}
	compact := make([]map[string]any, len(members))
	for i, m := range members {
		compact[i] = compactMember(m)
	}
	return jsonResult(map[string]any{
		"circle_id": circleID,
		"members":   compact,
		"total":     len(members),
	})
}

// heldTask loads the task named by task_id and checks it is assigned to the
// agent named by agentArg. A non-nil result is the error to return.
func (s *Server) heldTask(request mcplib.CallToolRequest, agentArg string) (model.CircleTask, int64, *mcplib.CallToolResult) {
	taskID, err := idArg(request, "task_id")
	if err != nil {
		return model.CircleTask{}, 0, errorResult(err.Error())
	}
	agentID, err := idArg(request, agentArg)
	if err != nil {
		return model.CircleTask{}, 0, errorResult(err.Error())
	}
	task, err := s.registry.GetTask(taskID)
	if err != nil {
		return model.CircleTask{}, 0, s.toolError("task", err)
	}
	if task.AssignedAgentID == nil || *task.AssignedAgentID != agentID {
		return model.CircleTask{}, 0, errorResult(fmt.Sprintf("task %d is not assigned to agent %d", taskID, agentID))
	}
	return task, agentID, nil
}

// canReview reports whether a can review work needing the given tags. With
// no required tags any review competency suffices.
func canReview(a model.AgentHandle, required []string) bool {
	if len(required) == 0 {
		return len(a.ReviewCompetencies) > 0
	}
	for _, tag := range required {
		if a.CanReview(tag) {
			return true
		}
	}
	return false
}
