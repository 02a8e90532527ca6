package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alkimya/gathering-sub003/internal/eventbus"
	"github.com/alkimya/gathering-sub003/internal/model"
)

// listenRetryDelay spaces out waits after a failed notification read.
var listenRetryDelay = time.Second

// Listener is the part of *storage.DB the broker uses to follow events
// published by other processes.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out orchestration events to SSE subscribers. Events arrive
// either from the in-process bus (Attach) or from Postgres LISTEN/NOTIFY
// (Start), never both.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	source      string
	subs        []string
}

// NewBroker creates a new SSE broker. Call Attach or Start to feed it.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Source reports where events come from: "bus", "postgres" or "" when idle.
func (b *Broker) Source() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.source
}

// Attach subscribes the broker to every event kind on bus.
func (b *Broker) Attach(bus *eventbus.Bus) {
	ids := make([]string, 0, len(model.EventKinds()))
	for _, k := range model.EventKinds() {
		ids = append(ids, bus.Subscribe(k, b.onEvent, eventbus.WithName("sse-broker")))
	}
	b.mu.Lock()
	b.subs = append(b.subs, ids...)
	b.source = "bus"
	b.mu.Unlock()
}

// Detach removes the broker's bus subscriptions.
func (b *Broker) Detach(bus *eventbus.Bus) {
	b.mu.Lock()
	ids := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, id := range ids {
		bus.Unsubscribe(id)
	}
}

func (b *Broker) onEvent(_ context.Context, e model.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b.broadcast(formatSSE(e.Kind.String(), string(data)))
	return nil
}

// Start listens on channel and relays every notification. It blocks, so
// call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context, l Listener, channel string) {
	if err := l.Listen(ctx, channel); err != nil {
		b.logger.Error("broker: listen", "channel", channel, "error", err)
		return
	}
	b.mu.Lock()
	b.source = "postgres"
	b.mu.Unlock()

	b.logger.Info("broker: listening for notifications", "channel", channel)

	for {
		_, payload, err := l.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenRetryDelay):
			}
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(payload), &head); err != nil || head.Type == "" {
			b.logger.Warn("broker: dropping malformed notification", "error", err)
			continue
		}
		b.broadcast(formatSSE(head.Type, payload))
	}
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Subscribers returns the number of connected SSE clients.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast sends an event to all subscribers. A subscriber whose buffer is
// full misses the event so one slow client cannot stall the others.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats an event as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
