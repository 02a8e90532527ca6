// Package eventbus is the in-process publish/subscribe hub for orchestration
// events. Every published event is appended to a bounded history and then
// fanned out to matching subscribers, each on its own goroutine.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/alkimya/gathering-sub003/internal/model"
	"github.com/alkimya/gathering-sub003/internal/telemetry"
)

const (
	DefaultHistorySize           = 1000
	DefaultMaxConcurrentHandlers = 100
	DefaultHistoryLimit          = 100
)

// Handler consumes one event. A returned error or a panic is isolated to this
// subscriber.
type Handler func(ctx context.Context, e model.Event) error

// Subscription describes a registered handler. The handler itself is not
// exposed; the rest is safe to inspect and compare in tests.
type Subscription struct {
	ID     string
	Kind   model.EventKind
	Name   string
	Filter Filter
	// CreatedAt orders subscriptions of the same kind.
	CreatedAt time.Time

	handler Handler
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithFilter restricts delivery to events the filter matches.
func WithFilter(f Filter) SubscribeOption {
	return func(s *Subscription) { s.Filter = f }
}

// WithName labels the subscription in logs and handler errors.
func WithName(name string) SubscribeOption {
	return func(s *Subscription) { s.Name = name }
}

// Options configures a Bus. Zero values select the defaults.
type Options struct {
	HistorySize           int
	MaxConcurrentHandlers int64
	// DedupWindow drops an event identical to one published less than this
	// long ago (same kind, source, circle, project and payload). Zero disables.
	DedupWindow time.Duration
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published         int64 `json:"events_published"`
	Delivered         int64 `json:"events_delivered"`
	Deduplicated      int64 `json:"events_deduplicated"`
	HandlerErrors     int64 `json:"handler_errors"`
	InFlight          int64 `json:"handlers_in_flight"`
	ActiveSubscribers int   `json:"active_subscribers"`
	HistorySize       int   `json:"history_size"`
}

// Bus is safe for concurrent use. No internal lock is held while a handler
// runs, so handlers may publish, subscribe or unsubscribe freely.
type Bus struct {
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu     sync.RWMutex
	byKind map[model.EventKind][]*Subscription
	byID   map[string]*Subscription
	nextID atomic.Uint64

	histMu  sync.Mutex
	ring    []model.Event
	head    int // index of the oldest entry
	size    int
	dedupAt map[string]time.Time
	window  time.Duration

	flightMu sync.Mutex
	flight   int
	idle     chan struct{} // closed while flight == 0

	published     atomic.Int64
	delivered     atomic.Int64
	deduplicated  atomic.Int64
	handlerErrors atomic.Int64
	running       atomic.Int64

	publishedCounter metric.Int64Counter
	deliveredCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
	handlerDuration  metric.Float64Histogram
}

// New creates a bus. A nil logger discards output.
func New(opts Options, logger *slog.Logger) *Bus {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.MaxConcurrentHandlers <= 0 {
		opts.MaxConcurrentHandlers = DefaultMaxConcurrentHandlers
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	b := &Bus{
		logger:  logger,
		sem:     semaphore.NewWeighted(opts.MaxConcurrentHandlers),
		byKind:  make(map[model.EventKind][]*Subscription),
		byID:    make(map[string]*Subscription),
		ring:    make([]model.Event, opts.HistorySize),
		dedupAt: make(map[string]time.Time),
		window:  opts.DedupWindow,
		idle:    make(chan struct{}),
	}
	close(b.idle)
	b.registerMetrics()
	return b
}

func (b *Bus) registerMetrics() {
	meter := telemetry.Meter("gathering/eventbus")
	b.publishedCounter, _ = meter.Int64Counter("gathering.events.published",
		metric.WithDescription("Events appended to the bus history"))
	b.deliveredCounter, _ = meter.Int64Counter("gathering.events.delivered",
		metric.WithDescription("Successful handler invocations"))
	b.failedCounter, _ = meter.Int64Counter("gathering.events.handler_errors",
		metric.WithDescription("Handler invocations that returned an error or panicked"))
	b.handlerDuration, _ = meter.Float64Histogram("gathering.events.handler_duration",
		metric.WithDescription("Handler execution time (ms)"),
		metric.WithUnit("ms"))
	_, _ = meter.Int64ObservableGauge("gathering.events.in_flight",
		metric.WithDescription("Handlers currently running or waiting for a slot"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.running.Load())
			return nil
		}),
	)
}

// Subscribe registers handler for one kind and returns an id for Unsubscribe.
// Any number of subscribers may share a kind.
func (b *Bus) Subscribe(kind model.EventKind, handler Handler, opts ...SubscribeOption) string {
	if handler == nil {
		panic("eventbus: nil handler")
	}
	sub := &Subscription{
		ID:        fmt.Sprintf("sub_%d", b.nextID.Add(1)),
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
		handler:   handler,
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.Name == "" {
		sub.Name = sub.ID
	}

	b.mu.Lock()
	b.byKind[kind] = append(b.byKind[kind], sub)
	b.byID[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("eventbus: subscribed", "subscription", sub.Name, "kind", kind.String())
	return sub.ID
}

// Unsubscribe removes a subscription. Unknown ids are ignored. Handlers
// already dispatched for an earlier event still run to completion.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	subs := b.byKind[sub.Kind]
	b.byKind[sub.Kind] = slices.DeleteFunc(slices.Clone(subs), func(s *Subscription) bool { return s.ID == id })
	if len(b.byKind[sub.Kind]) == 0 {
		delete(b.byKind, sub.Kind)
	}
}

// Subscriptions lists active subscriptions, grouped by kind in enum order and
// then in registration order.
func (b *Bus) Subscriptions() []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Subscription, 0, len(b.byID))
	for _, kind := range model.EventKinds() {
		for _, s := range b.byKind[kind] {
			c := *s
			c.handler = nil
			out = append(out, c)
		}
	}
	return out
}

// Publish records e in history and starts one goroutine per matching
// subscriber. It returns without waiting for any handler; use the returned
// Dispatch when completion matters. Handler failures never surface here.
//
// Handlers receive a context that keeps ctx's values but not its
// cancellation, so a finished HTTP request does not abort its side effects.
func (b *Bus) Publish(ctx context.Context, e model.Event) *Dispatch {
	d := &Dispatch{EventID: e.ID, Kind: e.Kind}
	if !e.Kind.Valid() {
		b.logger.Error("eventbus: refusing event with invalid kind", "kind", int(e.Kind), "event_id", e.ID)
		return d
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if !b.record(e) {
		b.deduplicated.Add(1)
		d.Deduplicated = true
		b.logger.Debug("eventbus: duplicate event dropped", "kind", e.Kind.String(), "event_id", e.ID)
		return d
	}
	b.published.Add(1)
	b.publishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", e.Kind.String())))

	b.mu.RLock()
	subs := slices.Clone(b.byKind[e.Kind])
	b.mu.RUnlock()

	targets := subs[:0]
	for _, s := range subs {
		ok, herr := b.match(s, e)
		if herr != nil {
			b.recordFailure(ctx, s, e, herr, d)
			continue
		}
		if ok {
			targets = append(targets, s)
		}
	}

	hctx := context.WithoutCancel(ctx)
	d.wg.Add(len(targets))
	b.begin(len(targets))
	for _, s := range targets {
		go b.deliver(hctx, s, e.Clone(), d)
	}
	return d
}

// record appends e to the ring buffer. It reports false when e falls inside
// the dedup window of an identical earlier event.
func (b *Bus) record(e model.Event) bool {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	if b.window > 0 {
		key := dedupKey(e)
		now := time.Now()
		for k, at := range b.dedupAt {
			if now.Sub(at) >= b.window {
				delete(b.dedupAt, k)
			}
		}
		if _, seen := b.dedupAt[key]; seen {
			return false
		}
		b.dedupAt[key] = now
	}

	capacity := len(b.ring)
	if b.size < capacity {
		b.ring[(b.head+b.size)%capacity] = e
		b.size++
	} else {
		b.ring[b.head] = e
		b.head = (b.head + 1) % capacity
	}
	return true
}

func dedupKey(e model.Event) string {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		// Unmarshalable payloads are never treated as duplicates.
		return e.ID
	}
	return fmt.Sprintf("%d|%s|%s|%s|%s", e.Kind, ptrKey(e.SourceAgentID), ptrKey(e.CircleID), ptrKey(e.ProjectID), payload)
}

func ptrKey(p *int64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprint(*p)
}

func (b *Bus) deliver(ctx context.Context, s *Subscription, e model.Event, d *Dispatch) {
	defer d.wg.Done()
	defer b.end()

	// Acquire cannot fail: the context is never cancelled.
	_ = b.sem.Acquire(ctx, 1)
	defer b.sem.Release(1)

	start := time.Now()
	herr := b.call(ctx, s, e)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	attrs := metric.WithAttributes(attribute.String("kind", e.Kind.String()))
	b.handlerDuration.Record(ctx, elapsed, attrs)

	if herr != nil {
		b.recordFailure(ctx, s, e, herr, d)
		return
	}
	b.delivered.Add(1)
	b.deliveredCounter.Add(ctx, 1, attrs)
	d.delivered.Add(1)
}

func (b *Bus) recordFailure(ctx context.Context, s *Subscription, e model.Event, herr *HandlerError, d *Dispatch) {
	b.handlerErrors.Add(1)
	b.failedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", e.Kind.String())))
	d.fail(herr)
	b.logger.Warn("eventbus: handler failed",
		"subscription", s.Name,
		"kind", e.Kind.String(),
		"event_id", e.ID,
		"panic", herr.Panicked,
		"error", herr.Err)
}

// match runs the subscription's filter on the publisher's goroutine. A
// panicking filter fails that subscription only.
func (b *Bus) match(s *Subscription, e model.Event) (ok bool, herr *HandlerError) {
	if s.Filter == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			herr = &HandlerError{
				SubscriptionID: s.ID,
				Subscriber:     s.Name,
				EventID:        e.ID,
				Kind:           e.Kind,
				Err:            fmt.Errorf("filter panic: %v", r),
				Panicked:       true,
				Stack:          string(debug.Stack()),
			}
		}
	}()
	return s.Filter.Match(e), nil
}

func (b *Bus) call(ctx context.Context, s *Subscription, e model.Event) (herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			herr = &HandlerError{
				SubscriptionID: s.ID,
				Subscriber:     s.Name,
				EventID:        e.ID,
				Kind:           e.Kind,
				Err:            fmt.Errorf("panic: %v", r),
				Panicked:       true,
				Stack:          string(debug.Stack()),
			}
		}
	}()
	if err := s.handler(ctx, e); err != nil {
		return &HandlerError{
			SubscriptionID: s.ID,
			Subscriber:     s.Name,
			EventID:        e.ID,
			Kind:           e.Kind,
			Err:            err,
		}
	}
	return nil
}

// HistoryQuery selects events from the history. Zero fields match anything;
// Limit <= 0 means DefaultHistoryLimit.
type HistoryQuery struct {
	Kind          model.EventKind
	Limit         int
	CircleID      *int64
	ProjectID     *int64
	SourceAgentID *int64
}

// History returns up to q.Limit of the most recent matching events, newest
// last. It never mutates bus state.
func (b *Bus) History(q HistoryQuery) []model.Event {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	fields := FieldFilter{CircleID: q.CircleID, ProjectID: q.ProjectID, SourceAgentID: q.SourceAgentID}

	b.histMu.Lock()
	defer b.histMu.Unlock()

	capacity := len(b.ring)
	out := make([]model.Event, 0, min(limit, b.size))
	for i := b.size - 1; i >= 0 && len(out) < limit; i-- {
		e := b.ring[(b.head+i)%capacity]
		if q.Kind != 0 && e.Kind != q.Kind {
			continue
		}
		if !fields.Match(e) {
			continue
		}
		out = append(out, e.Clone())
	}
	slices.Reverse(out)
	return out
}

// ClearHistory empties the ring buffer and the dedup window.
func (b *Bus) ClearHistory() {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	clear(b.ring)
	b.head, b.size = 0, 0
	clear(b.dedupAt)
}

// Reset clears history and drops every subscription. Counters are kept.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.byKind = make(map[model.EventKind][]*Subscription)
	b.byID = make(map[string]*Subscription)
	b.mu.Unlock()
	b.ClearHistory()
}

func (b *Bus) begin(n int) {
	if n == 0 {
		return
	}
	b.running.Add(int64(n))
	b.flightMu.Lock()
	if b.flight == 0 {
		b.idle = make(chan struct{})
	}
	b.flight += n
	b.flightMu.Unlock()
}

func (b *Bus) end() {
	b.running.Add(-1)
	b.flightMu.Lock()
	b.flight--
	if b.flight == 0 {
		close(b.idle)
	}
	b.flightMu.Unlock()
}

// Drain blocks until no handler is running or ctx is done. Handlers that
// publish keep the bus busy until their nested dispatches finish too.
func (b *Bus) Drain(ctx context.Context) error {
	b.flightMu.Lock()
	idle := b.idle
	b.flightMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		b.logger.Warn("eventbus: drain timed out", "in_flight", b.running.Load())
		return fmt.Errorf("eventbus: drain: %w", ctx.Err())
	}
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs := len(b.byID)
	b.mu.RUnlock()
	b.histMu.Lock()
	size := b.size
	b.histMu.Unlock()

	return Stats{
		Published:         b.published.Load(),
		Delivered:         b.delivered.Load(),
		Deduplicated:      b.deduplicated.Load(),
		HandlerErrors:     b.handlerErrors.Load(),
		InFlight:          b.running.Load(),
		ActiveSubscribers: subs,
		HistorySize:       size,
	}
}
