package storage

import (
	"context"

	"github.com/alkimya/gathering-sub003/internal/model"
)

// Load reads every circle, agent, membership and task. Members come back in
// join order and tasks in id order.
func (db *DB) Load(ctx context.Context) (model.Snapshot, error) {
	var (
		snap model.Snapshot
		err  error
	)
	if snap.Circles, err = db.loadCircles(ctx); err != nil {
		return model.Snapshot{}, err
	}
	if snap.Agents, err = db.loadAgents(ctx); err != nil {
		return model.Snapshot{}, err
	}
	if snap.Members, err = db.loadMembers(ctx); err != nil {
		return model.Snapshot{}, err
	}
	if snap.Tasks, err = db.loadTasks(ctx); err != nil {
		return model.Snapshot{}, err
	}
	return snap, nil
}
