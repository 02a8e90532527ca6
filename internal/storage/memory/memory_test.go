package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alkimya/gathering-sub003/internal/model"
	"github.com/alkimya/gathering-sub003/internal/storage"
	"github.com/alkimya/gathering-sub003/internal/storage/memory"
)

func TestLoadOrdering(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateCircle(ctx, model.Circle{ID: 2, Name: "b", Active: true}))
	require.NoError(t, s.CreateCircle(ctx, model.Circle{ID: 1, Name: "a", Active: true}))

	// Join order deliberately differs from agent id order.
	for _, m := range []struct{ circle, agent int64 }{{2, 9}, {1, 3}, {2, 1}, {1, 9}} {
		require.NoError(t, s.AddMember(ctx, model.Member{
			AgentHandle: model.AgentHandle{ID: m.agent, Name: "agent"},
			CircleID:    m.circle,
		}))
	}
	for _, id := range []int64{5, 1, 3} {
		require.NoError(t, s.CreateTask(ctx, model.CircleTask{ID: id, CircleID: 1, Title: "t"}))
	}

	snap, err := s.Load(ctx)
	require.NoError(t, err)

	var circles, agents, tasks []int64
	for _, c := range snap.Circles {
		circles = append(circles, c.ID)
	}
	for _, a := range snap.Agents {
		agents = append(agents, a.ID)
	}
	for _, task := range snap.Tasks {
		tasks = append(tasks, task.ID)
	}
	type joined struct{ circle, agent int64 }
	var members []joined
	for _, m := range snap.Members {
		members = append(members, joined{m.CircleID, m.ID})
	}

	assert.Equal(t, []int64{1, 2}, circles)
	assert.Equal(t, []int64{1, 3, 9}, agents)
	assert.Equal(t, []int64{1, 3, 5}, tasks)
	assert.Equal(t, []joined{{2, 9}, {1, 3}, {2, 1}, {1, 9}}, members)
}

func TestRejoinMovesMemberToEnd(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateCircle(ctx, model.Circle{ID: 1, Name: "a", Active: true}))
	for _, id := range []int64{1, 2} {
		require.NoError(t, s.AddMember(ctx, model.Member{AgentHandle: model.AgentHandle{ID: id, Name: "x"}, CircleID: 1}))
	}
	require.NoError(t, s.RemoveMember(ctx, 1, 1))
	require.NoError(t, s.AddMember(ctx, model.Member{AgentHandle: model.AgentHandle{ID: 1, Name: "x"}, CircleID: 1}))

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Members, 2)
	assert.Equal(t, int64(2), snap.Members[0].ID)
	assert.Equal(t, int64(1), snap.Members[1].ID)
}

func TestStoreErrors(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateCircle(ctx, model.Circle{ID: 1, Name: "a"}))

	assert.ErrorIs(t, s.CreateCircle(ctx, model.Circle{ID: 1, Name: "again"}), storage.ErrConflict)
	assert.ErrorIs(t, s.UpdateCircle(ctx, model.Circle{ID: 7}), storage.ErrNotFound)
	assert.ErrorIs(t, s.CreateTask(ctx, model.CircleTask{ID: 1, CircleID: 7}), storage.ErrNotFound)
	assert.ErrorIs(t, s.SaveAgent(ctx, model.AgentHandle{ID: 4}), storage.ErrNotFound)
	assert.ErrorIs(t, s.RemoveMember(ctx, 1, 4), storage.ErrNotFound)
	assert.ErrorIs(t, s.SaveTaskStatus(ctx, model.CircleTask{ID: 9}, nil), storage.ErrNotFound)
}
