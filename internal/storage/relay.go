package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alkimya/gathering-sub003/internal/eventbus"
	"github.com/alkimya/gathering-sub003/internal/model"
)

// Notifier is the part of *DB the relay needs.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Relay forwards every bus event to a Postgres NOTIFY channel so processes
// outside this one can follow the event stream with LISTEN.
type Relay struct {
	notifier Notifier
	channel  string
	logger   *slog.Logger

	mu   sync.Mutex
	subs []string
}

// NewRelay creates a relay publishing on channel (ChannelEvents when empty).
func NewRelay(n Notifier, channel string, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = ChannelEvents
	}
	return &Relay{notifier: n, channel: channel, logger: logger}
}

// Attach subscribes the relay to every event kind on bus.
func (r *Relay) Attach(bus *eventbus.Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range model.EventKinds() {
		r.subs = append(r.subs, bus.Subscribe(k, r.forward, eventbus.WithName("pg-relay")))
	}
}

// Detach removes the relay's subscriptions.
func (r *Relay) Detach(bus *eventbus.Bus) {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, id := range subs {
		bus.Unsubscribe(id)
	}
}

func (r *Relay) forward(ctx context.Context, e model.Event) error {
	payload, err := relayPayload(e)
	if err != nil {
		return err
	}
	if err := r.notifier.Notify(ctx, r.channel, payload); err != nil {
		return fmt.Errorf("storage: relay event %s: %w", e.ID, err)
	}
	return nil
}

// relayPayload encodes e as wire JSON. Events too large for NOTIFY are sent
// without their data; the full event stays in the bus history.
func relayPayload(e model.Event) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("storage: encode event %s: %w", e.ID, err)
	}
	if len(b) <= maxNotifyPayload {
		return string(b), nil
	}
	e.Data = map[string]any{"truncated": true}
	b, err = json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("storage: encode event %s: %w", e.ID, err)
	}
	return string(b), nil
}
