package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alkimya/gathering-sub003/internal/model"
	"github.com/alkimya/gathering-sub003/internal/storage"
)

func (s *Store) CreateCircle(ctx context.Context, c model.Circle) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO circles(id, name, project_id, require_review, auto_route, is_active, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, nullInt(c.ProjectID), c.RequireReview, c.AutoRoute, c.Active, c.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: create circle %d: %w", c.ID, classify(err))
	}
	return nil
}

func (s *Store) UpdateCircle(ctx context.Context, c model.Circle) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE circles SET name=?, project_id=?, require_review=?, auto_route=?, is_active=? WHERE id=?`,
		c.Name, nullInt(c.ProjectID), c.RequireReview, c.AutoRoute, c.Active, c.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update circle %d: %w", c.ID, classify(err))
	}
	return requireRow(res, "update circle", c.ID)
}

func (s *Store) AddMember(ctx context.Context, m model.Member) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin add member: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	comps, review, err := encodeProfile(m.AgentHandle)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agents(id, name, provider, model, competencies, can_review, is_active, current_task_id)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, provider=excluded.provider, model=excluded.model,
		   competencies=excluded.competencies, can_review=excluded.can_review,
		   is_active=excluded.is_active, current_task_id=excluded.current_task_id`,
		m.ID, m.Name, m.Provider, m.Model, comps, review, m.Active, nullInt(m.CurrentTaskID)); err != nil {
		return fmt.Errorf("sqlite: upsert agent %d: %w", m.ID, classify(err))
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO circle_members(circle_id, agent_id, role, joined_at) VALUES(?, ?, ?, ?)`,
		m.CircleID, m.ID, string(m.Role), m.JoinedAt.UnixNano()); err != nil {
		return fmt.Errorf("sqlite: insert member %d into circle %d: %w", m.ID, m.CircleID, classify(err))
	}
	return tx.Commit()
}

func (s *Store) RemoveMember(ctx context.Context, circleID, agentID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM circle_members WHERE circle_id=? AND agent_id=?`, circleID, agentID)
	if err != nil {
		return fmt.Errorf("sqlite: remove member %d from circle %d: %w", agentID, circleID, err)
	}
	return requireRow(res, "remove member", agentID)
}

func (s *Store) SaveAgent(ctx context.Context, a model.AgentHandle) error {
	comps, review, err := encodeProfile(a)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name=?, provider=?, model=?, competencies=?, can_review=?, is_active=?, current_task_id=?
		 WHERE id=?`,
		a.Name, a.Provider, a.Model, comps, review, a.Active, nullInt(a.CurrentTaskID), a.ID)
	if err != nil {
		return fmt.Errorf("sqlite: save agent %d: %w", a.ID, err)
	}
	return requireRow(res, "save agent", a.ID)
}

func (s *Store) CreateTask(ctx context.Context, t model.CircleTask) error {
	req, err := json.Marshal(nonNil(t.RequiredCompetencies))
	if err != nil {
		return fmt.Errorf("sqlite: encode competencies: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO circle_tasks(id, circle_id, title, description, required_competencies, priority, status,
		                          assigned_agent_id, requires_review, result, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.CircleID, t.Title, t.Description, string(req), t.Priority, string(t.Status),
		nullInt(t.AssignedAgentID), t.RequiresReview, t.Result, t.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: create task %d: %w", t.ID, classify(err))
	}
	return nil
}

func (s *Store) SaveAssignment(ctx context.Context, t model.CircleTask, a model.AgentHandle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin assignment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE circle_tasks SET status=?, assigned_agent_id=? WHERE id=? AND status='pending'`,
		string(t.Status), nullInt(t.AssignedAgentID), t.ID)
	if err != nil {
		return fmt.Errorf("sqlite: assign task %d: %w", t.ID, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: assign task %d: %w", t.ID, storage.ErrConflict)
	}
	if err := s.saveAgentState(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SaveTaskStatus(ctx context.Context, t model.CircleTask, agent *model.AgentHandle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin status update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.StmtContext(ctx, s.stmtUpdateTaskStatus).ExecContext(ctx,
		string(t.Status), t.Result, nullTime(t.StartedAt), nullTime(t.CompletedAt), t.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update task %d status: %w", t.ID, err)
	}
	if err := requireRow(res, "update task status", t.ID); err != nil {
		return err
	}
	if agent != nil {
		if err := s.saveAgentState(ctx, tx, *agent); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) saveAgentState(ctx context.Context, tx *sql.Tx, a model.AgentHandle) error {
	res, err := tx.StmtContext(ctx, s.stmtReleaseAgent).ExecContext(ctx, a.Active, nullInt(a.CurrentTaskID), a.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update agent %d: %w", a.ID, err)
	}
	return requireRow(res, "update agent", a.ID)
}

func (s *Store) Load(ctx context.Context) (model.Snapshot, error) {
	var (
		snap model.Snapshot
		err  error
	)
	if snap.Circles, err = s.loadCircles(ctx); err != nil {
		return model.Snapshot{}, err
	}
	if snap.Agents, err = s.loadAgents(ctx); err != nil {
		return model.Snapshot{}, err
	}
	if snap.Members, err = s.loadMembers(ctx); err != nil {
		return model.Snapshot{}, err
	}
	if snap.Tasks, err = s.loadTasks(ctx); err != nil {
		return model.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) loadCircles(ctx context.Context) ([]model.Circle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, project_id, require_review, auto_route, is_active, created_at FROM circles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query circles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Circle
	for rows.Next() {
		var (
			c       model.Circle
			project sql.NullInt64
			created int64
		)
		if err := rows.Scan(&c.ID, &c.Name, &project, &c.RequireReview, &c.AutoRoute, &c.Active, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan circle: %w", err)
		}
		c.ProjectID = intPtr(project)
		c.CreatedAt = fromNanos(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) loadAgents(ctx context.Context) ([]model.AgentHandle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, provider, model, competencies, can_review, is_active, current_task_id FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AgentHandle
	for rows.Next() {
		var (
			a            model.AgentHandle
			comps, revws string
			current      sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Provider, &a.Model, &comps, &revws, &a.Active, &current); err != nil {
			return nil, fmt.Errorf("sqlite: scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(comps), &a.Competencies); err != nil {
			return nil, fmt.Errorf("sqlite: decode competencies of agent %d: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(revws), &a.ReviewCompetencies); err != nil {
			return nil, fmt.Errorf("sqlite: decode can_review of agent %d: %w", a.ID, err)
		}
		a.CurrentTaskID = intPtr(current)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) loadMembers(ctx context.Context) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT circle_id, agent_id, role, joined_at FROM circle_members ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Member
	for rows.Next() {
		var (
			m      model.Member
			role   string
			joined int64
		)
		if err := rows.Scan(&m.CircleID, &m.ID, &role, &joined); err != nil {
			return nil, fmt.Errorf("sqlite: scan member: %w", err)
		}
		m.Role = model.MemberRole(role)
		m.JoinedAt = fromNanos(joined)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) loadTasks(ctx context.Context) ([]model.CircleTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, circle_id, title, description, required_competencies, priority, status, assigned_agent_id,
		        requires_review, result, created_at, started_at, completed_at
		 FROM circle_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.CircleTask
	for rows.Next() {
		var (
			t                  model.CircleTask
			req, status        string
			assigned           sql.NullInt64
			created            int64
			started, completed sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.CircleID, &t.Title, &t.Description, &req, &t.Priority, &status, &assigned,
			&t.RequiresReview, &t.Result, &created, &started, &completed); err != nil {
			return nil, fmt.Errorf("sqlite: scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(req), &t.RequiredCompetencies); err != nil {
			return nil, fmt.Errorf("sqlite: decode competencies of task %d: %w", t.ID, err)
		}
		t.Status = model.TaskStatus(status)
		t.AssignedAgentID = intPtr(assigned)
		t.CreatedAt = fromNanos(created)
		t.StartedAt = timePtr(started)
		t.CompletedAt = timePtr(completed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func encodeProfile(a model.AgentHandle) (comps, review string, err error) {
	c, err := json.Marshal(nonNil(a.Competencies))
	if err != nil {
		return "", "", fmt.Errorf("sqlite: encode competencies: %w", err)
	}
	r, err := json.Marshal(nonNil(a.ReviewCompetencies))
	if err != nil {
		return "", "", fmt.Errorf("sqlite: encode can_review: %w", err)
	}
	return string(c), string(r), nil
}

func requireRow(res sql.Result, op string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %s %d: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: %s %d: %w", op, id, storage.ErrNotFound)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
