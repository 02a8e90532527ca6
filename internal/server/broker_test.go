package server

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alkimya/gathering-sub003/internal/eventbus"
	"github.com/alkimya/gathering-sub003/internal/model"
)

// testLogger returns a logger for tests that only prints errors.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func receive(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case got := <-ch:
		return string(got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(testLogger())

	ch1 := broker.Subscribe()
	ch2 := broker.Subscribe()
	assert.Equal(t, 2, broker.Subscribers())

	event := formatSSE("task.created", `{"task_id":1}`)
	broker.broadcast(event)

	assert.Equal(t, string(event), receive(t, ch1))
	assert.Equal(t, string(event), receive(t, ch2))

	// Only ch2 receives after ch1 leaves.
	broker.Unsubscribe(ch1)
	event2 := formatSSE("task.assigned", `{"task_id":1}`)
	broker.broadcast(event2)
	assert.Equal(t, string(event2), receive(t, ch2))

	_, open := <-ch1
	assert.False(t, open, "unsubscribed channels are closed")

	broker.Unsubscribe(ch2)
	assert.Equal(t, 0, broker.Subscribers())
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("task.completed", `{"id":123}`))
	assert.Equal(t, "event: task.completed\ndata: {\"id\":123}\n\n", got)
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(testLogger())

	slow := broker.Subscribe()
	fast := broker.Subscribe()

	// Fill the slow subscriber's buffer past capacity.
	for range 65 {
		broker.broadcast(formatSSE("test", "fill"))
		<-fast
	}

	event := formatSSE("test", "after-fill")
	broker.broadcast(event)
	assert.Equal(t, string(event), receive(t, fast), "a full subscriber must not block the others")

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

func TestBrokerAttach(t *testing.T) {
	bus := eventbus.New(eventbus.Options{}, testLogger())
	broker := NewBroker(testLogger())
	assert.Empty(t, broker.Source())

	broker.Attach(bus)
	assert.Equal(t, "bus", broker.Source())

	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	bus.Publish(context.Background(), model.NewEvent(model.EventTaskCreated,
		map[string]any{"task_id": int64(7)}, model.WithCircle(3)))
	require.NoError(t, bus.Drain(context.Background()))

	got := receive(t, ch)
	assert.True(t, strings.HasPrefix(got, "event: "+model.EventTaskCreated.String()+"\n"), got)
	assert.Contains(t, got, `"task_id":7`)

	broker.Detach(bus)
	bus.Publish(context.Background(), model.NewEvent(model.EventTaskFailed, map[string]any{"task_id": int64(7)}))
	require.NoError(t, bus.Drain(context.Background()))
	select {
	case got := <-ch:
		t.Fatalf("received %q after Detach", got)
	default:
	}
}

// fakeListener replays payloads, then blocks until ctx is cancelled.
type fakeListener struct {
	mu       sync.Mutex
	channel  string
	payloads []string
	listened chan struct{}
}

func (f *fakeListener) Listen(_ context.Context, channel string) error {
	f.mu.Lock()
	f.channel = channel
	f.mu.Unlock()
	close(f.listened)
	return nil
}

func (f *fakeListener) WaitForNotification(ctx context.Context) (string, string, error) {
	f.mu.Lock()
	if len(f.payloads) > 0 {
		p := f.payloads[0]
		f.payloads = f.payloads[1:]
		f.mu.Unlock()
		return f.channel, p, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return "", "", ctx.Err()
}

func TestBrokerStart(t *testing.T) {
	l := &fakeListener{
		payloads: []string{
			`not json`,
			`{"type":"task.assigned","data":{"task_id":4,"agent_id":2}}`,
		},
		listened: make(chan struct{}),
	}
	broker := NewBroker(testLogger())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Start(ctx, l, "gathering_events")
		close(done)
	}()

	<-l.listened
	got := receive(t, ch)
	assert.Equal(t, "event: task.assigned\ndata: {\"type\":\"task.assigned\",\"data\":{\"task_id\":4,\"agent_id\":2}}\n\n", got,
		"malformed payloads are dropped, valid ones relayed verbatim")
	assert.Equal(t, "postgres", broker.Source())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

type brokenListener struct{}

func (brokenListener) Listen(context.Context, string) error { return errors.New("no connection") }
func (brokenListener) WaitForNotification(context.Context) (string, string, error) {
	return "", "", errors.New("unreachable")
}

func TestBrokerStart_ListenError(t *testing.T) {
	broker := NewBroker(testLogger())
	broker.Start(context.Background(), brokenListener{}, "gathering_events")
	assert.Empty(t, broker.Source(), "a broker that failed to listen stays idle")
}

// flakyListener fails its first wait, then delivers one payload.
type flakyListener struct {
	mu    sync.Mutex
	calls int
}

func (*flakyListener) Listen(context.Context, string) error { return nil }

func (f *flakyListener) WaitForNotification(ctx context.Context) (string, string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	switch n {
	case 1:
		return "", "", errors.New("connection reset")
	case 2:
		return "gathering_events", `{"type":"task.failed","data":{}}`, nil
	}
	<-ctx.Done()
	return "", "", ctx.Err()
}

func TestBrokerStart_RecoversFromWaitError(t *testing.T) {
	orig := listenRetryDelay
	listenRetryDelay = time.Millisecond
	t.Cleanup(func() { listenRetryDelay = orig })

	broker := NewBroker(testLogger())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.Start(ctx, &flakyListener{}, "gathering_events")

	assert.True(t, strings.HasPrefix(receive(t, ch), "event: task.failed\n"))
}
