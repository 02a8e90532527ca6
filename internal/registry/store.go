package registry

import (
	"context"

	"github.com/alkimya/gathering-sub003/internal/model"
)

// Store persists registry state. The registry assigns ids and calls the store
// while holding its write lock; an error aborts the operation and nothing is
// committed in memory. Implementations must apply each call atomically.
type Store interface {
	CreateCircle(ctx context.Context, c model.Circle) error
	UpdateCircle(ctx context.Context, c model.Circle) error
	// AddMember upserts the agent profile and inserts the membership row.
	AddMember(ctx context.Context, m model.Member) error
	RemoveMember(ctx context.Context, circleID, agentID int64) error
	SaveAgent(ctx context.Context, a model.AgentHandle) error
	CreateTask(ctx context.Context, t model.CircleTask) error
	// SaveAssignment writes the task and the agent's current task together.
	SaveAssignment(ctx context.Context, t model.CircleTask, a model.AgentHandle) error
	// SaveTaskStatus writes a status change. agent is non-nil when the change
	// released the agent's current task.
	SaveTaskStatus(ctx context.Context, t model.CircleTask, agent *model.AgentHandle) error
	// Load returns everything persisted. Members come back in join order and
	// tasks in id order.
	Load(ctx context.Context) (model.Snapshot, error)
}
