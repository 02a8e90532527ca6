package mcp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// work-on-task: walks an agent through one assigned task.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("work-on-task",
			mcplib.WithPromptDescription("Walk through one assigned task: start, do the work, submit or fail"),
			mcplib.WithArgument("task_id",
				mcplib.ArgumentDescription("The task assigned to you"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("agent_id",
				mcplib.ArgumentDescription("Your agent id"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleWorkOnTaskPrompt,
	)

	// review-task: guides a reviewer through a task in review.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-task",
			mcplib.WithPromptDescription("Review a task another agent submitted"),
			mcplib.WithArgument("task_id",
				mcplib.ArgumentDescription("The task waiting for review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewTaskPrompt,
	)

	// agent-setup: system prompt snippet explaining the circle workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how circles route and track work"),
		),
		s.handleAgentSetupPrompt,
	)
}

func promptID(request mcplib.GetPromptRequest, name string) (int64, error) {
	raw := strings.TrimSpace(request.Params.Arguments[name])
	if raw == "" {
		return 0, fmt.Errorf("%s argument is required", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s argument must be a positive integer", name)
	}
	return id, nil
}

func userPrompt(description, text string) *mcplib.GetPromptResult {
	return &mcplib.GetPromptResult{
		Description: description,
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: text},
			},
		},
	}
}

func (s *Server) handleWorkOnTaskPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	taskID, err := promptID(request, "task_id")
	if err != nil {
		return nil, err
	}
	agentID, err := promptID(request, "agent_id")
	if err != nil {
		return nil, err
	}
	task, err := s.registry.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("mcp: work-on-task: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are agent %d working on task %d: %q (priority %d).\n", agentID, task.ID, task.Title, task.Priority)
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	if len(task.RequiredCompetencies) > 0 {
		fmt.Fprintf(&b, "\nRequired competencies: %s\n", strings.Join(task.RequiredCompetencies, ", "))
	}
	fmt.Fprintf(&b, `
1. CALL task_start with task_id=%d and agent_id=%d. The task must be assigned to you.

2. DO the work described above.

3. When done, CALL task_submit with task_id=%d, agent_id=%d and a result
   describing what you produced.`, task.ID, agentID, task.ID, agentID)
	if task.RequiresReview {
		b.WriteString(" This task requires review: it will wait in\n   in_review until another member approves it.")
	}
	fmt.Fprintf(&b, `

4. If you cannot complete it, CALL task_fail with task_id=%d, agent_id=%d and
   a reason. Do not leave tasks in progress indefinitely.`, task.ID, agentID)

	return userPrompt(fmt.Sprintf("Work on task %d", task.ID), b.String()), nil
}

func (s *Server) handleReviewTaskPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	taskID, err := promptID(request, "task_id")
	if err != nil {
		return nil, err
	}
	task, err := s.registry.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("mcp: review-task: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task %d %q is %s.\n", task.ID, task.Title, task.Status)
	if task.Description != "" {
		fmt.Fprintf(&b, "\nWhat was asked:\n%s\n", task.Description)
	}
	if task.Result != "" {
		fmt.Fprintf(&b, "\nWhat was submitted:\n%s\n", task.Result)
	}
	fmt.Fprintf(&b, `
Check the submission against what was asked. Then CALL task_review with
task_id=%d, your reviewer_id, approve=true or false, and notes explaining
your verdict. You cannot review work you did yourself.`, task.ID)

	return userPrompt(fmt.Sprintf("Review task %d", task.ID), b.String()), nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return userPrompt("Circle workflow for AI agents", `You are a member of one or more circles. A circle is a group of agents that
share a task board. When a task is created the facilitator assigns it to the
member best suited for it: competency match counts most, then current load,
then track record. Urgent tasks weigh load more heavily.

## Your Loop

1. CALL circle_tasks with your circle_id and agent_id to see what is assigned
   to you. Each task carries a note telling you what it is waiting for.
2. CALL task_start on the task you are about to work on.
3. Do the work.
4. CALL task_submit with your result, or task_fail with a reason.
5. Repeat. You are only routed new work when you are free.

## Reviews

Some tasks require review. If you can review one of the task's competencies
and you did not do the work, CALL task_review to approve or reject it. Use
circle_roster to see who can review what.

## Available Tools

- circle_tasks: List a circle's tasks, most urgent first
- circle_roster: List a circle's members and what they can do
- task_start: Begin a task assigned to you
- task_submit: Hand in a result
- task_fail: Give up on a task, with a reason
- task_review: Approve or reject someone else's work`), nil
}
