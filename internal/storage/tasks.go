package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alkimya/gathering-sub003/internal/model"
)

// CreateTask inserts a pending task.
func (db *DB) CreateTask(ctx context.Context, t model.CircleTask) error {
	return db.write(ctx, "create task", func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO circle_tasks (id, circle_id, title, description, required_competencies, priority,
			                           status, assigned_agent_id, requires_review, result, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			t.ID, t.CircleID, t.Title, t.Description, nonNil(t.RequiredCompetencies), t.Priority,
			string(t.Status), t.AssignedAgentID, t.RequiresReview, t.Result, t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: create task %d: %w", t.ID, classify(err))
		}
		return nil
	})
}

// SaveAssignment writes the assigned task and the agent's current task in one
// transaction. The task row is only updated while it is still pending, so a
// competing writer on another process surfaces as ErrConflict.
func (db *DB) SaveAssignment(ctx context.Context, t model.CircleTask, a model.AgentHandle) error {
	return db.inTx(ctx, "assign task", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE circle_tasks SET status = $2, assigned_agent_id = $3
			 WHERE id = $1 AND status = 'pending'`,
			t.ID, string(t.Status), t.AssignedAgentID,
		)
		if err != nil {
			return fmt.Errorf("storage: assign task %d: %w", t.ID, classify(err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: assign task %d: %w", t.ID, ErrConflict)
		}
		return saveAgentTx(ctx, tx, a)
	})
}

// SaveTaskStatus writes a status change and, when the task reached a terminal
// status, the released agent.
func (db *DB) SaveTaskStatus(ctx context.Context, t model.CircleTask, agent *model.AgentHandle) error {
	return db.inTx(ctx, "update task status", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE circle_tasks SET status = $2, result = $3, started_at = $4, completed_at = $5
			 WHERE id = $1`,
			t.ID, string(t.Status), t.Result, t.StartedAt, t.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: update task %d status: %w", t.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: update task %d status: %w", t.ID, ErrNotFound)
		}
		if agent == nil {
			return nil
		}
		return saveAgentTx(ctx, tx, *agent)
	})
}

func saveAgentTx(ctx context.Context, tx pgx.Tx, a model.AgentHandle) error {
	tag, err := tx.Exec(ctx,
		`UPDATE agents SET is_active = $2, current_task_id = $3 WHERE id = $1`,
		a.ID, a.Active, a.CurrentTaskID)
	if err != nil {
		return fmt.Errorf("storage: update agent %d: %w", a.ID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update agent %d: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (db *DB) loadTasks(ctx context.Context) ([]model.CircleTask, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, circle_id, title, description, required_competencies, priority, status,
		        assigned_agent_id, requires_review, result, created_at, started_at, completed_at
		 FROM circle_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.CircleTask
	for rows.Next() {
		var (
			t        model.CircleTask
			status   string
			priority int16
		)
		if err := rows.Scan(&t.ID, &t.CircleID, &t.Title, &t.Description, &t.RequiredCompetencies,
			&priority, &status, &t.AssignedAgentID, &t.RequiresReview, &t.Result,
			&t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		t.Priority = int(priority)
		t.Status = model.TaskStatus(status)
		t.CreatedAt = t.CreatedAt.UTC()
		t.StartedAt = utcPtr(t.StartedAt)
		t.CompletedAt = utcPtr(t.CompletedAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func utcPtr(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	u := ts.UTC()
	return &u
}
