package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/alkimya/gathering-sub003/internal/eventbus"
	"github.com/alkimya/gathering-sub003/internal/orchestration"
	"github.com/alkimya/gathering-sub003/internal/ratelimit"
	"github.com/alkimya/gathering-sub003/internal/registry"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
)

// Server serves the REST API, the SSE stream and the MCP transport on one
// listener.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler is the fully wrapped handler, for httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Pinger reports whether the storage backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires a Server. Broker, MCPServer, Limiter and Store may be nil.
type Config struct {
	Registry *registry.Registry
	Facade   *orchestration.Facade
	Bus      *eventbus.Bus
	Logger   *slog.Logger

	Broker     *Broker
	MCPServer  *mcpserver.MCPServer
	Limiter    ratelimit.Limiter
	TrustProxy bool
	Store      Pinger
	StoreName  string

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New registers every route and builds the middleware chain.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	h := NewHandlers(HandlersDeps{
		Registry:            cfg.Registry,
		Facade:              cfg.Facade,
		Bus:                 cfg.Bus,
		Broker:              cfg.Broker,
		Store:               cfg.Store,
		StoreName:           cfg.StoreName,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Circles and membership.
	mux.HandleFunc("POST /v1/circles", h.HandleCreateCircle)
	mux.HandleFunc("GET /v1/circles", h.HandleListCircles)
	mux.HandleFunc("GET /v1/circles/{id}", h.HandleGetCircle)
	mux.HandleFunc("DELETE /v1/circles/{id}", h.HandleArchiveCircle)
	mux.HandleFunc("POST /v1/circles/{id}/members", h.HandleAddMember)
	mux.HandleFunc("GET /v1/circles/{id}/members", h.HandleListMembers)
	mux.HandleFunc("DELETE /v1/circles/{id}/members/{agent_id}", h.HandleRemoveMember)
	mux.HandleFunc("POST /v1/circles/{id}/route", h.HandleRoutePending)

	// Agents.
	mux.HandleFunc("GET /v1/agents/{id}", h.HandleGetAgent)
	mux.HandleFunc("POST /v1/agents/{id}/active", h.HandleSetAgentActive)

	// Tasks.
	mux.HandleFunc("POST /v1/circles/{id}/tasks", h.HandleCreateTask)
	mux.HandleFunc("GET /v1/tasks", h.HandleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", h.HandleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/assign", h.HandleAssignTask)
	mux.HandleFunc("POST /v1/tasks/{id}/status", h.HandleUpdateTaskStatus)
	mux.HandleFunc("POST /v1/tasks/{id}/route", h.HandleRouteTask)

	// Events: bus history, counters and the live SSE stream.
	mux.HandleFunc("GET /v1/events", h.HandleListEvents)
	mux.HandleFunc("GET /v1/events/stats", h.HandleEventStats)
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPI)

	// Outermost first:
	// request ID → security headers → tracing → logging → rate limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	if cfg.Limiter != nil {
		handler = rateLimitMiddleware(cfg.Limiter, cfg.Logger, cfg.TrustProxy, handler)
	}
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       idleTimeout,
			ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start blocks serving requests until Shutdown; it then returns
// http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("http: listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http: shutting down")
	return s.httpServer.Shutdown(ctx)
}
