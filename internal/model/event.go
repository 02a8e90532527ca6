package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed set of state changes the orchestration core emits.
type EventKind int

const (
	EventCircleCreated EventKind = iota + 1
	EventCircleMemberAdded
	EventCircleMemberRemoved
	EventCircleArchived
	EventTaskCreated
	EventTaskAssigned
	EventTaskStarted
	EventTaskReviewRequested
	EventTaskCompleted
	EventTaskFailed
	EventTaskConflictDetected
	EventTaskReviewerAssigned
)

var eventKindNames = map[EventKind]string{
	EventCircleCreated:        "circle.created",
	EventCircleMemberAdded:    "circle.member.added",
	EventCircleMemberRemoved:  "circle.member.removed",
	EventCircleArchived:       "circle.archived",
	EventTaskCreated:          "task.created",
	EventTaskAssigned:         "task.assigned",
	EventTaskStarted:          "task.started",
	EventTaskReviewRequested:  "task.review_requested",
	EventTaskCompleted:        "task.completed",
	EventTaskFailed:           "task.failed",
	EventTaskConflictDetected: "task.conflict.detected",
	EventTaskReviewerAssigned: "task.reviewer_assigned",
}

var eventKindsByName = func() map[string]EventKind {
	m := make(map[string]EventKind, len(eventKindNames))
	for k, name := range eventKindNames {
		m[name] = k
	}
	return m
}()

// EventKinds returns every kind in declaration order.
func EventKinds() []EventKind {
	kinds := make([]EventKind, 0, len(eventKindNames))
	for k := EventCircleCreated; k <= EventTaskReviewerAssigned; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// String returns the wire name of the kind.
func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Valid reports whether k is a member of the closed enumeration.
func (k EventKind) Valid() bool {
	_, ok := eventKindNames[k]
	return ok
}

// ParseEventKind maps a wire name back to its kind.
func ParseEventKind(s string) (EventKind, error) {
	if k, ok := eventKindsByName[s]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("model: unknown event type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("model: invalid event kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(b []byte) error {
	parsed, err := ParseEventKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Event is an immutable notification of a state change. Construct with
// NewEvent; the bus hands each subscriber its own copy of Data.
type Event struct {
	Kind          EventKind      `json:"type"`
	Data          map[string]any `json:"data"`
	SourceAgentID *int64         `json:"source_agent_id"`
	CircleID      *int64         `json:"circle_id"`
	ProjectID     *int64         `json:"project_id"`
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
}

// EventOption sets an optional Event attribute.
type EventOption func(*Event)

// WithSourceAgent sets the agent that caused the event.
func WithSourceAgent(id int64) EventOption {
	return func(e *Event) { e.SourceAgentID = &id }
}

// WithCircle scopes the event to a circle.
func WithCircle(id int64) EventOption {
	return func(e *Event) { e.CircleID = &id }
}

// WithProject scopes the event to a project. A nil id is ignored.
func WithProject(id *int64) EventOption {
	return func(e *Event) {
		if id != nil {
			v := *id
			e.ProjectID = &v
		}
	}
}

// NewEvent builds an event with a fresh id and UTC timestamp. The payload is
// copied so later mutation by the caller cannot leak into subscribers.
func NewEvent(kind EventKind, data map[string]any, opts ...EventOption) Event {
	e := Event{
		Kind:      kind,
		Data:      maps.Clone(data),
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Clone returns a copy of e whose payload map is not shared.
func (e Event) Clone() Event {
	c := e
	c.Data = maps.Clone(e.Data)
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	return c
}

// Int64 reads an integer payload field. Payloads built in-process carry
// int64 values while decoded ones carry float64 or json.Number; all three are
// accepted.
func (e Event) Int64(key string) (int64, bool) {
	switch v := e.Data[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := strconv.ParseInt(v.String(), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// wireEvent pins the timestamp format to RFC 3339 with nanoseconds.
type wireEvent struct {
	Type          string         `json:"type"`
	Data          map[string]any `json:"data"`
	SourceAgentID *int64         `json:"source_agent_id"`
	CircleID      *int64         `json:"circle_id"`
	ProjectID     *int64         `json:"project_id"`
	ID            string         `json:"id"`
	Timestamp     string         `json:"timestamp"`
}

// MarshalJSON renders the wire mapping consumed by dashboards and relays.
func (e Event) MarshalJSON() ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("model: invalid event kind %d", int(e.Kind))
	}
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(wireEvent{
		Type:          e.Kind.String(),
		Data:          data,
		SourceAgentID: e.SourceAgentID,
		CircleID:      e.CircleID,
		ProjectID:     e.ProjectID,
		ID:            e.ID,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON parses the wire mapping back into an Event.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	kind, err := ParseEventKind(w.Type)
	if err != nil {
		return err
	}
	var ts time.Time
	if w.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return fmt.Errorf("model: parse event timestamp: %w", err)
		}
	}
	*e = Event{
		Kind:          kind,
		Data:          w.Data,
		SourceAgentID: w.SourceAgentID,
		CircleID:      w.CircleID,
		ProjectID:     w.ProjectID,
		ID:            w.ID,
		Timestamp:     ts,
	}
	return nil
}
