package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alkimya/gathering-sub003/internal/eventbus"
	"github.com/alkimya/gathering-sub003/internal/facilitator"
	"github.com/alkimya/gathering-sub003/internal/mcp"
	"github.com/alkimya/gathering-sub003/internal/model"
	"github.com/alkimya/gathering-sub003/internal/orchestration"
	"github.com/alkimya/gathering-sub003/internal/registry"
	"github.com/alkimya/gathering-sub003/internal/server"
	"github.com/alkimya/gathering-sub003/internal/storage/memory"
	"github.com/alkimya/gathering-sub003/internal/testutil"
)

var (
	testSrv    *httptest.Server
	testBus    *eventbus.Bus
	testBroker *server.Broker
	nameSeq    atomic.Int64
	agentSeq   atomic.Int64
)

func TestMain(m *testing.M) {
	logger := testutil.Logger()

	testBus = eventbus.New(eventbus.Options{}, logger)
	reg := registry.New(memory.New(), testBus, logger)
	facade := orchestration.New(orchestration.Deps{
		Registry:    reg,
		Facilitator: facilitator.New(facilitator.Options{}),
		Bus:         testBus,
		Logger:      logger,
	})
	facade.Start()

	testBroker = server.NewBroker(logger)
	testBroker.Attach(testBus)

	srv := server.New(server.Config{
		Registry:            reg,
		Facade:              facade,
		Bus:                 testBus,
		Logger:              logger,
		Broker:              testBroker,
		MCPServer:           mcp.New(reg, testBus, logger, "test").MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	testSrv = httptest.NewServer(srv.Handler())

	code := m.Run()

	testSrv.Close()
	facade.Stop()
	testBroker.Detach(testBus)
	os.Exit(code)
}

// envelope mirrors the data/list response envelopes.
type envelope struct {
	Data  json.RawMessage    `json:"data"`
	Total int                `json:"total"`
	Error *model.ErrorDetail `json:"error"`
}

func do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, testSrv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, nameSeq.Add(1))
}

// newAgentID hands out ids far from anything a test hardcodes.
func newAgentID() int64 {
	return 1000 + agentSeq.Add(1)
}

func createCircle(t *testing.T, body map[string]any) model.Circle {
	t.Helper()
	if _, ok := body["name"]; !ok {
		body["name"] = uniqueName("circle")
	}
	code, env := do(t, "POST", "/v1/circles", body)
	require.Equal(t, http.StatusCreated, code)
	return decode[model.Circle](t, env)
}

func addMember(t *testing.T, circleID int64, body map[string]any) model.Member {
	t.Helper()
	code, env := do(t, "POST", fmt.Sprintf("/v1/circles/%d/members", circleID), body)
	require.Equal(t, http.StatusCreated, code)
	return decode[model.Member](t, env)
}

func drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, testBus.Drain(ctx))
}

func TestHealthEndpoint(t *testing.T) {
	code, env := do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, code)

	health := decode[model.HealthResponse](t, env)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "memory", health.Store)
	assert.Equal(t, "bus", health.SSEBroker)
	assert.Positive(t, health.Subscriptions)
}

func TestOpenAPIEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(buf.String(), "openapi: 3.1.0"))
}

func TestCircleCRUD(t *testing.T) {
	name := uniqueName("crud")
	c := createCircle(t, map[string]any{"name": name, "require_review": false})
	assert.Equal(t, name, c.Name)
	assert.True(t, c.Active)
	assert.True(t, c.AutoRoute, "auto_route defaults to true")
	assert.False(t, c.RequireReview)

	code, env := do(t, "GET", fmt.Sprintf("/v1/circles/%d", c.ID), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, c.ID, decode[model.Circle](t, env).ID)

	code, env = do(t, "GET", "/v1/circles", nil)
	require.Equal(t, http.StatusOK, code)
	circles := decode[[]model.Circle](t, env)
	assert.Equal(t, len(circles), env.Total)

	code, env = do(t, "DELETE", fmt.Sprintf("/v1/circles/%d", c.ID), nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decode[model.Circle](t, env).Active)

	// Archived circles accept no new tasks.
	code, env = do(t, "POST", fmt.Sprintf("/v1/circles/%d/tasks", c.ID), map[string]any{"title": "late"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
}

func TestCreateCircleDuplicateName(t *testing.T) {
	name := uniqueName("dup")
	createCircle(t, map[string]any{"name": name})

	code, env := do(t, "POST", "/v1/circles", map[string]any{"name": strings.ToUpper(name)})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)
}

func TestCreateCircleValidation(t *testing.T) {
	code, env := do(t, "POST", "/v1/circles", map[string]any{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)

	code, _ = do(t, "POST", "/v1/circles", map[string]any{"name": "x", "owner": "nobody"})
	assert.Equal(t, http.StatusBadRequest, code, "unknown fields are rejected")
}

func TestBadAndMissingIDs(t *testing.T) {
	code, env := do(t, "GET", "/v1/circles/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)

	code, env = do(t, "GET", "/v1/tasks/999999", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)

	code, _ = do(t, "GET", "/v1/tasks?circle_id=x", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, "GET", "/v1/tasks?status=done", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMembership(t *testing.T) {
	c := createCircle(t, map[string]any{"auto_route": false})
	agentID := newAgentID()
	m := addMember(t, c.ID, map[string]any{
		"agent_id":     agentID,
		"name":         "coder",
		"competencies": []string{"Go", "SQL"},
		"role":         "lead",
	})
	assert.Equal(t, model.RoleLead, m.Role)
	assert.Equal(t, []string{"go", "sql"}, m.Competencies, "competencies are normalized")

	code, env := do(t, "POST", fmt.Sprintf("/v1/circles/%d/members", c.ID), map[string]any{
		"agent_id": agentID, "name": "coder",
	})
	assert.Equal(t, http.StatusConflict, code, "agents join a circle once")
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)

	code, env = do(t, "GET", fmt.Sprintf("/v1/circles/%d/members", c.ID), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Total)

	code, env = do(t, "GET", fmt.Sprintf("/v1/agents/%d", agentID), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "coder", decode[model.AgentHandle](t, env).Name)

	code, _ = do(t, "DELETE", fmt.Sprintf("/v1/circles/%d/members/%d", c.ID, agentID), nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, "DELETE", fmt.Sprintf("/v1/circles/%d/members/%d", c.ID, agentID), nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAutoRouteEndToEnd(t *testing.T) {
	c := createCircle(t, map[string]any{"require_review": false})
	generalist := newAgentID()
	specialist := newAgentID()
	addMember(t, c.ID, map[string]any{"agent_id": generalist, "name": "generalist", "competencies": []string{"docs"}})
	addMember(t, c.ID, map[string]any{"agent_id": specialist, "name": "specialist", "competencies": []string{"go", "sql"}})

	code, env := do(t, "POST", fmt.Sprintf("/v1/circles/%d/tasks", c.ID), map[string]any{
		"title":                 "add index",
		"required_competencies": []string{"go", "sql"},
		"priority":              "high",
	})
	require.Equal(t, http.StatusCreated, code)
	task := decode[model.CircleTask](t, env)
	assert.Equal(t, model.TaskPending, task.Status, "creation returns before routing")
	assert.Equal(t, 3, task.Priority)

	drain(t)

	code, env = do(t, "GET", fmt.Sprintf("/v1/tasks/%d", task.ID), nil)
	require.Equal(t, http.StatusOK, code)
	routed := decode[model.CircleTask](t, env)
	assert.Equal(t, model.TaskAssigned, routed.Status)
	require.NotNil(t, routed.AssignedAgentID)
	assert.Equal(t, specialist, *routed.AssignedAgentID)

	// Drive it to completion.
	code, _ = do(t, "POST", fmt.Sprintf("/v1/tasks/%d/status", task.ID), map[string]any{"status": "in_progress"})
	require.Equal(t, http.StatusOK, code)
	code, env = do(t, "POST", fmt.Sprintf("/v1/tasks/%d/status", task.ID), map[string]any{"status": "completed", "result": "index added"})
	require.Equal(t, http.StatusOK, code)
	done := decode[model.CircleTask](t, env)
	assert.Equal(t, model.TaskCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	drain(t)
	code, env = do(t, "GET", fmt.Sprintf("/v1/events?type=task.assigned&circle_id=%d", c.ID), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Total)
}

func TestManualAssignAndRoute(t *testing.T) {
	c := createCircle(t, map[string]any{"auto_route": false, "require_review": false})
	agentID := newAgentID()
	addMember(t, c.ID, map[string]any{"agent_id": agentID, "name": "solo", "competencies": []string{"go"}})

	_, env := do(t, "POST", fmt.Sprintf("/v1/circles/%d/tasks", c.ID), map[string]any{"title": "first", "required_competencies": []string{"go"}})
	first := decode[model.CircleTask](t, env)
	_, env = do(t, "POST", fmt.Sprintf("/v1/circles/%d/tasks", c.ID), map[string]any{"title": "second", "required_competencies": []string{"go"}})
	second := decode[model.CircleTask](t, env)
	drain(t)

	code, env := do(t, "GET", fmt.Sprintf("/v1/tasks/%d", first.ID), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.TaskPending, decode[model.CircleTask](t, env).Status, "auto_route=false leaves tasks pending")

	code, env = do(t, "POST", fmt.Sprintf("/v1/tasks/%d/route", first.ID), nil)
	require.Equal(t, http.StatusOK, code)
	res := decode[orchestration.RouteResult](t, env)
	assert.True(t, res.Routed)
	require.NotNil(t, res.AgentID)
	assert.Equal(t, agentID, *res.AgentID)

	// The only member is busy now.
	code, env = do(t, "POST", fmt.Sprintf("/v1/tasks/%d/assign", second.ID), map[string]any{"agent_id": agentID})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)

	code, env = do(t, "POST", fmt.Sprintf("/v1/tasks/%d/route", second.ID), nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decode[orchestration.RouteResult](t, env).Routed)
}

func TestInvalidTransition(t *testing.T) {
	c := createCircle(t, map[string]any{"auto_route": false})
	_, env := do(t, "POST", fmt.Sprintf("/v1/circles/%d/tasks", c.ID), map[string]any{"title": "skip ahead"})
	task := decode[model.CircleTask](t, env)

	code, env := do(t, "POST", fmt.Sprintf("/v1/tasks/%d/status", task.ID), map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, model.ErrCodeInvalidTransition, env.Error.Code)

	code, _ = do(t, "POST", fmt.Sprintf("/v1/tasks/%d/status", task.ID), map[string]any{"status": "finished"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCreateTaskValidation(t *testing.T) {
	c := createCircle(t, map[string]any{"auto_route": false})
	path := fmt.Sprintf("/v1/circles/%d/tasks", c.ID)

	code, _ := do(t, "POST", path, map[string]any{"title": ""})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, "POST", path, map[string]any{"title": "x", "priority": 11})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, "POST", path, map[string]any{"title": "x", "circle_id": c.ID + 1000})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, "POST", "/v1/circles/999999/tasks", map[string]any{"title": "x"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEventsEndpoint(t *testing.T) {
	c := createCircle(t, map[string]any{"auto_route": false})
	drain(t)

	code, env := do(t, "GET", fmt.Sprintf("/v1/events?type=circle.created&circle_id=%d", c.ID), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Total)

	code, _ = do(t, "GET", "/v1/events?type=nope", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, "GET", "/v1/events?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = do(t, "GET", "/v1/events/stats", nil)
	require.Equal(t, http.StatusOK, code)
	stats := decode[eventbus.Stats](t, env)
	assert.Positive(t, stats.Published)
}

func TestSSESubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	before := testBroker.Subscribers()
	req, err := http.NewRequestWithContext(ctx, "GET", testSrv.URL+"/v1/subscribe", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return testBroker.Subscribers() > before },
		2*time.Second, 10*time.Millisecond)

	name := uniqueName("sse")
	createCircle(t, map[string]any{"name": name, "auto_route": false})

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok && event == "circle.created" && strings.Contains(v, name) {
			data = v
			break
		}
	}
	require.NotEmpty(t, data, "expected a circle.created event for %s", name)
	assert.Contains(t, data, `"type":"circle.created"`)
}

func newMCPClient(t *testing.T) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(testSrv.URL + "/mcp")
	require.NoError(t, err)
	return c
}

func initMCP(t *testing.T, c *mcpclient.Client) *mcplib.InitializeResult {
	t.Helper()
	res, err := c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	return res
}

func TestMCPInitialize(t *testing.T) {
	c := newMCPClient(t)
	defer func() { _ = c.Close() }()

	res := initMCP(t, c)
	assert.Equal(t, "gathering", res.ServerInfo.Name)
	assert.Equal(t, "test", res.ServerInfo.Version)
}

func TestMCPListTools(t *testing.T) {
	c := newMCPClient(t)
	defer func() { _ = c.Close() }()
	initMCP(t, c)

	toolsResult, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, toolsResult.Tools, 6)

	toolNames := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		toolNames[tool.Name] = true
	}
	for _, name := range []string{"circle_tasks", "circle_roster", "task_start", "task_submit", "task_fail", "task_review"} {
		assert.True(t, toolNames[name], "expected %s tool", name)
	}
}

func TestMCPResourcesAndPrompts(t *testing.T) {
	c := newMCPClient(t)
	defer func() { _ = c.Close() }()
	initMCP(t, c)
	ctx := context.Background()

	resources, err := c.ListResources(ctx, mcplib.ListResourcesRequest{})
	require.NoError(t, err)
	assert.Len(t, resources.Resources, 2, "circles and recent events")

	circle := createCircle(t, map[string]any{"auto_route": false})
	result, err := c.ReadResource(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: fmt.Sprintf("gathering://circle/%d/tasks", circle.ID)},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Contents)

	prompts, err := c.ListPrompts(ctx, mcplib.ListPromptsRequest{})
	require.NoError(t, err)
	assert.Len(t, prompts.Prompts, 3)

	setup, err := c.GetPrompt(ctx, mcplib.GetPromptRequest{Params: mcplib.GetPromptParams{Name: "agent-setup"}})
	require.NoError(t, err)
	assert.NotEmpty(t, setup.Messages)
}

func TestMCPCallTool(t *testing.T) {
	c := newMCPClient(t)
	defer func() { _ = c.Close() }()
	initMCP(t, c)

	circle := createCircle(t, map[string]any{"auto_route": false})
	addMember(t, circle.ID, map[string]any{"agent_id": newAgentID(), "name": "mcp-agent"})

	result, err := c.CallTool(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "circle_roster",
			Arguments: map[string]any{"circle_id": circle.ID},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, tc.Text, "mcp-agent")
}

func TestSSESubscribeNoBroker(t *testing.T) {
	logger := testutil.Logger()
	bus := eventbus.New(eventbus.Options{}, logger)
	reg := registry.New(memory.New(), bus, logger)
	srv := server.New(server.Config{
		Registry: reg,
		Facade:   orchestration.New(orchestration.Deps{Registry: reg, Bus: bus, Logger: logger}),
		Bus:      bus,
		Logger:   logger,
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/subscribe", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/mcp", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "mcp is not mounted without a server")
}
