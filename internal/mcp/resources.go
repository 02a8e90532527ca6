package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/alkimya/gathering-sub003/internal/eventbus"
	"github.com/alkimya/gathering-sub003/internal/model"
)

const (
	circlesURI      = "gathering://circles"
	recentEventsURI = "gathering://events/recent"
	circleURIPrefix = "gathering://circle/"
	circleURISuffix = "/tasks"
)

func (s *Server) registerResources() {
	// gathering://circles: active circles with their members.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			circlesURI,
			"Circles",
			mcplib.WithResourceDescription("Active circles with their members and routing settings"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCircles,
	)

	// gathering://circle/{id}/tasks: one circle's task board.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			circleURIPrefix+"{id}"+circleURISuffix,
			"Circle Tasks",
			mcplib.WithTemplateDescription("Tasks of a specific circle, most urgent first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleCircleTasksResource,
	)

	if s.bus == nil {
		return
	}
	// gathering://events/recent: tail of the event history.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentEventsURI,
			"Recent Events",
			mcplib.WithResourceDescription("The 50 most recent circle and task events"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentEvents,
	)
}

func (s *Server) handleCircles(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	circles := s.registry.ListCircles(nil)
	return jsonContents(circlesURI, map[string]any{
		"circles": circles,
		"total":   len(circles),
	})
}

func (s *Server) handleCircleTasksResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	circleID, err := parseCircleTasksURI(uri)
	if err != nil {
		return nil, err
	}
	if _, err := s.registry.GetCircle(circleID); err != nil {
		return nil, fmt.Errorf("mcp: circle tasks: %w", err)
	}
	tasks := s.registry.ListTasks(model.TaskFilter{CircleID: &circleID})
	sortByUrgency(tasks)
	compact := make([]map[string]any, len(tasks))
	for i, t := range tasks {
		compact[i] = compactTask(t)
	}
	return jsonContents(uri, map[string]any{
		"circle_id": circleID,
		"tasks":     compact,
		"summary":   generateTaskSummary(tasks),
	})
}

func (s *Server) handleRecentEvents(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	events := s.bus.History(eventbus.HistoryQuery{Limit: 50})
	return jsonContents(recentEventsURI, map[string]any{
		"events": events,
		"total":  len(events),
	})
}

// parseCircleTasksURI extracts the circle id from gathering://circle/{id}/tasks.
func parseCircleTasksURI(uri string) (int64, error) {
	rest, ok := strings.CutPrefix(uri, circleURIPrefix)
	if !ok {
		return 0, fmt.Errorf("mcp: invalid circle tasks URI: %s", uri)
	}
	raw, ok := strings.CutSuffix(rest, circleURISuffix)
	if !ok {
		return 0, fmt.Errorf("mcp: invalid circle tasks URI: %s", uri)
	}
	if raw == "" {
		return 0, fmt.Errorf("mcp: empty circle id in URI: %s", uri)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("mcp: circle id %q must be a positive integer", raw)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
