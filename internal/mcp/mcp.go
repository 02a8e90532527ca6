// Package mcp implements the Model Context Protocol server for gathering.
//
// Agents that belong to circles use it to see their work and drive their
// tasks through the lifecycle: list, start, submit, fail and review. The
// same operations are available over the HTTP API.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/alkimya/gathering-sub003/internal/eventbus"
	"github.com/alkimya/gathering-sub003/internal/registry"
)

// Server wraps the MCP server with the circle registry.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *registry.Registry
	bus       *eventbus.Bus
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, prompts
// and tools. bus may be nil, in which case the events resource is omitted.
func New(reg *registry.Registry, bus *eventbus.Bus, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		registry: reg,
		bus:      bus,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"gathering",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)

	s.registerResources()
	s.registerPrompts()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// jsonResult renders v as indented JSON text content.
func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
