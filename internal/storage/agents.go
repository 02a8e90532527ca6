package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alkimya/gathering-sub003/internal/model"
)

const upsertAgentSQL = `INSERT INTO agents (id, name, provider, model, competencies, can_review, is_active, current_task_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		provider = EXCLUDED.provider,
		model = EXCLUDED.model,
		competencies = EXCLUDED.competencies,
		can_review = EXCLUDED.can_review,
		is_active = EXCLUDED.is_active,
		current_task_id = EXCLUDED.current_task_id`

func upsertAgent(ctx context.Context, tx pgx.Tx, a model.AgentHandle) error {
	_, err := tx.Exec(ctx, upsertAgentSQL,
		a.ID, a.Name, a.Provider, a.Model,
		nonNil(a.Competencies), nonNil(a.ReviewCompetencies), a.Active, a.CurrentTaskID,
	)
	return err
}

// AddMember upserts the agent profile and inserts the membership row in one
// transaction.
func (db *DB) AddMember(ctx context.Context, m model.Member) error {
	return db.inTx(ctx, "add member", func(tx pgx.Tx) error {
		if err := upsertAgent(ctx, tx, m.AgentHandle); err != nil {
			return fmt.Errorf("storage: upsert agent %d: %w", m.ID, classify(err))
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO circle_members (circle_id, agent_id, role, joined_at) VALUES ($1, $2, $3, $4)`,
			m.CircleID, m.ID, string(m.Role), m.JoinedAt,
		); err != nil {
			return fmt.Errorf("storage: insert member %d into circle %d: %w", m.ID, m.CircleID, classify(err))
		}
		return nil
	})
}

// RemoveMember deletes a membership row. The agent profile is kept.
func (db *DB) RemoveMember(ctx context.Context, circleID, agentID int64) error {
	return db.write(ctx, "remove member", func() error {
		tag, err := db.pool.Exec(ctx,
			`DELETE FROM circle_members WHERE circle_id = $1 AND agent_id = $2`, circleID, agentID)
		if err != nil {
			return fmt.Errorf("storage: remove member %d from circle %d: %w", agentID, circleID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: remove member %d from circle %d: %w", agentID, circleID, ErrNotFound)
		}
		return nil
	})
}

// SaveAgent updates an existing agent profile.
func (db *DB) SaveAgent(ctx context.Context, a model.AgentHandle) error {
	return db.write(ctx, "save agent", func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE agents
			 SET name = $2, provider = $3, model = $4, competencies = $5, can_review = $6,
			     is_active = $7, current_task_id = $8
			 WHERE id = $1`,
			a.ID, a.Name, a.Provider, a.Model,
			nonNil(a.Competencies), nonNil(a.ReviewCompetencies), a.Active, a.CurrentTaskID,
		)
		if err != nil {
			return fmt.Errorf("storage: save agent %d: %w", a.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: save agent %d: %w", a.ID, ErrNotFound)
		}
		return nil
	})
}

func (db *DB) loadAgents(ctx context.Context) ([]model.AgentHandle, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, provider, model, competencies, can_review, is_active, current_task_id
		 FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: query agents: %w", err)
	}
	defer rows.Close()

	var agents []model.AgentHandle
	for rows.Next() {
		var a model.AgentHandle
		if err := rows.Scan(&a.ID, &a.Name, &a.Provider, &a.Model,
			&a.Competencies, &a.ReviewCompetencies, &a.Active, &a.CurrentTaskID); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (db *DB) loadMembers(ctx context.Context) ([]model.Member, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT circle_id, agent_id, role, joined_at FROM circle_members ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("storage: query members: %w", err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		var (
			m    model.Member
			role string
		)
		if err := rows.Scan(&m.CircleID, &m.ID, &role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("storage: scan member: %w", err)
		}
		m.Role = model.MemberRole(role)
		m.JoinedAt = m.JoinedAt.UTC()
		members = append(members, m)
	}
	return members, rows.Err()
}

// nonNil keeps NOT NULL array columns happy.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
