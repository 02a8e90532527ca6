package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventKindRoundTrip(t *testing.T) {
	kinds := EventKinds()
	require.Len(t, kinds, 12)
	for _, k := range kinds {
		e := NewEvent(k, map[string]any{"task_id": 1})
		b, err := json.Marshal(e)
		require.NoError(t, err, k.String())

		var wire map[string]any
		require.NoError(t, json.Unmarshal(b, &wire))
		parsed, err := ParseEventKind(wire["type"].(string))
		require.NoError(t, err)
		assert.Equal(t, k, parsed)

		var back Event
		require.NoError(t, json.Unmarshal(b, &back))
		assert.Equal(t, k, back.Kind)
		assert.Equal(t, e.ID, back.ID)
		assert.True(t, e.Timestamp.Equal(back.Timestamp))
	}
}

func TestEventWireMapping(t *testing.T) {
	project := int64(3)
	e := NewEvent(EventTaskAssigned, map[string]any{"task_id": 9}, WithSourceAgent(2), WithCircle(1), WithProject(&project))

	b, err := json.Marshal(e)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.Equal(t, "task.assigned", wire["type"])
	assert.Equal(t, map[string]any{"task_id": float64(9)}, wire["data"])
	assert.Equal(t, float64(2), wire["source_agent_id"])
	assert.Equal(t, float64(1), wire["circle_id"])
	assert.Equal(t, float64(3), wire["project_id"])
	assert.Equal(t, e.ID, wire["id"])
	assert.NotEmpty(t, wire["timestamp"])
	assert.Len(t, wire, 7)
}

func TestEventWireNullsForMissingScope(t *testing.T) {
	b, err := json.Marshal(NewEvent(EventCircleCreated, nil))
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.Contains(t, wire, "source_agent_id")
	assert.Nil(t, wire["source_agent_id"])
	assert.Nil(t, wire["circle_id"])
	assert.Nil(t, wire["project_id"])
	assert.Equal(t, map[string]any{}, wire["data"])
}

func TestMarshalRejectsInvalidKind(t *testing.T) {
	_, err := json.Marshal(Event{Kind: EventKind(42)})
	assert.Error(t, err)
	assert.Equal(t, "EventKind(42)", EventKind(42).String())
}

func TestParseEventKindUnknown(t *testing.T) {
	_, err := ParseEventKind("TASK_CREATED")
	assert.Error(t, err)
}

func TestNewEventCopiesPayload(t *testing.T) {
	data := map[string]any{"k": "v"}
	e := NewEvent(EventTaskCreated, data)
	data["k"] = "changed"
	assert.Equal(t, "v", e.Data["k"])

	c := e.Clone()
	c.Data["k"] = "clone"
	assert.Equal(t, "v", e.Data["k"])
}
