package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alkimya/gathering-sub003/api"
	"github.com/alkimya/gathering-sub003/internal/eventbus"
	"github.com/alkimya/gathering-sub003/internal/model"
	"github.com/alkimya/gathering-sub003/internal/orchestration"
	"github.com/alkimya/gathering-sub003/internal/registry"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	registry            *registry.Registry
	facade              *orchestration.Facade
	bus                 *eventbus.Bus
	broker              *Broker
	store               Pinger
	storeName           string
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Store.
type HandlersDeps struct {
	Registry            *registry.Registry
	Facade              *orchestration.Facade
	Bus                 *eventbus.Bus
	Broker              *Broker
	Store               Pinger
	StoreName           string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	storeName := d.StoreName
	if storeName == "" {
		storeName = "memory"
	}
	return &Handlers{
		registry:            d.Registry,
		facade:              d.Facade,
		bus:                 d.Bus,
		broker:              d.Broker,
		store:               d.Store,
		storeName:           storeName,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			h.logger.Warn("http: store ping failed", "store", h.storeName, "error", err)
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	circles, tasks := h.registry.Counts()
	stats := h.bus.Stats()
	resp := model.HealthResponse{
		Status:         status,
		Version:        h.version,
		Store:          h.storeName,
		Circles:        circles,
		Tasks:          tasks,
		Subscriptions:  stats.ActiveSubscribers,
		EventsInFlight: stats.InFlight,
		Uptime:         int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = h.broker.Source()
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleListEvents handles GET /v1/events. It reads the bus history only.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := eventbus.HistoryQuery{}
	params := r.URL.Query()

	if v := params.Get("type"); v != "" {
		kind, err := model.ParseEventKind(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		q.Kind = kind
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}
	var ok bool
	if q.CircleID, ok = queryID(w, r, "circle_id"); !ok {
		return
	}
	if q.ProjectID, ok = queryID(w, r, "project_id"); !ok {
		return
	}
	if q.SourceAgentID, ok = queryID(w, r, "source_agent_id"); !ok {
		return
	}

	writeList(w, r, h.bus.History(q))
}

// HandleEventStats handles GET /v1/events/stats.
func (h *Handlers) HandleEventStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.bus.Stats())
}

// HandleOpenAPI handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(api.OpenAPISpec)
}

// HandleSubscribe handles GET /v1/subscribe as a Server-Sent Events stream.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("http: streaming not supported", "error", err)
		return
	}

	// Disable the server's WriteTimeout for this long-lived connection.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// pathID parses a positive integer path parameter, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// queryID parses an optional integer query parameter. An absent parameter
// yields nil.
func queryID(w http.ResponseWriter, r *http.Request, name string) (*int64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, name+" must be an integer")
		return nil, false
	}
	return &id, true
}
