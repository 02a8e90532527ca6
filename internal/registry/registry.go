// Package registry is the source of truth for circles, agent handles and
// tasks. All mutations run validate → persist → commit inside one write
// critical section; events are published once the lock is released.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alkimya/gathering-sub003/internal/eventbus"
	"github.com/alkimya/gathering-sub003/internal/model"
	"github.com/alkimya/gathering-sub003/internal/storage"
)

// Publisher receives registry events. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, e model.Event) *eventbus.Dispatch
}

type memberKey struct {
	circleID int64
	agentID  int64
}

type membership struct {
	role     model.MemberRole
	joinedAt time.Time
}

// Registry holds orchestration state in memory, backed by a Store.
type Registry struct {
	store  Store
	bus    Publisher
	logger *slog.Logger
	now    func() time.Time
	inst   instruments

	mu           sync.RWMutex
	circles      map[int64]*model.Circle
	circleOrder  []int64
	agents       map[int64]*model.AgentHandle
	members      map[memberKey]membership
	tasks        map[int64]*model.CircleTask
	taskOrder    []int64
	lastCircleID int64
	lastTaskID   int64
}

// New creates an empty registry. bus may be nil, in which case no events are
// emitted. Call Load to restore persisted state.
func New(store Store, bus Publisher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{
		store:  store,
		bus:    bus,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		inst:   newInstruments(),
	}
	r.resetLocked()
	return r
}

func (r *Registry) resetLocked() {
	r.circles = make(map[int64]*model.Circle)
	r.circleOrder = nil
	r.agents = make(map[int64]*model.AgentHandle)
	r.members = make(map[memberKey]membership)
	r.tasks = make(map[int64]*model.CircleTask)
	r.taskOrder = nil
	r.lastCircleID = 0
	r.lastTaskID = 0
}

func (r *Registry) emit(ctx context.Context, e model.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, e)
}

// Load replaces in-memory state with the store's snapshot. Each agent's
// current task is recomputed from the open tasks assigned to it.
func (r *Registry) Load(ctx context.Context) error {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()

	circles := slices.Clone(snap.Circles)
	slices.SortFunc(circles, func(a, b model.Circle) int { return cmp.Compare(a.ID, b.ID) })
	for _, c := range circles {
		c := c.Clone()
		c.MemberIDs = []int64{}
		c.TaskIDs = []int64{}
		r.circles[c.ID] = &c
		r.circleOrder = append(r.circleOrder, c.ID)
		r.lastCircleID = max(r.lastCircleID, c.ID)
	}
	for _, a := range snap.Agents {
		a := a.Clone()
		a.CurrentTaskID = nil
		r.agents[a.ID] = &a
	}
	for _, m := range snap.Members {
		c, ok := r.circles[m.CircleID]
		if !ok || r.agents[m.ID] == nil {
			r.logger.Warn("registry: skipping orphaned membership", "circle_id", m.CircleID, "agent_id", m.ID)
			continue
		}
		r.members[memberKey{m.CircleID, m.ID}] = membership{role: m.Role, joinedAt: m.JoinedAt}
		c.MemberIDs = append(c.MemberIDs, m.ID)
	}
	tasks := slices.Clone(snap.Tasks)
	slices.SortFunc(tasks, func(a, b model.CircleTask) int { return cmp.Compare(a.ID, b.ID) })
	for _, t := range tasks {
		c, ok := r.circles[t.CircleID]
		if !ok {
			r.logger.Warn("registry: skipping orphaned task", "task_id", t.ID, "circle_id", t.CircleID)
			continue
		}
		t := t.Clone()
		r.tasks[t.ID] = &t
		r.taskOrder = append(r.taskOrder, t.ID)
		c.TaskIDs = append(c.TaskIDs, t.ID)
		r.lastTaskID = max(r.lastTaskID, t.ID)
		if t.AssignedAgentID != nil && !t.Status.IsTerminal() {
			if a := r.agents[*t.AssignedAgentID]; a != nil {
				id := t.ID
				a.CurrentTaskID = &id
			}
		}
	}

	r.logger.Info("registry: state loaded",
		"circles", len(r.circles), "agents", len(r.agents), "tasks", len(r.tasks))
	return nil
}

// CreateCircle creates an active circle. Names are trimmed and must be unique
// (case-insensitively) among active circles. Nil flags default to true.
func (r *Registry) CreateCircle(ctx context.Context, req model.CreateCircleRequest) (model.Circle, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return model.Circle{}, r.rejected(ctx, "create_circle", &ValidationError{Field: "name", Reason: "must not be empty"})
	}
	if req.ProjectID != nil && *req.ProjectID <= 0 {
		return model.Circle{}, r.rejected(ctx, "create_circle", &ValidationError{Field: "project_id", Reason: "must be positive"})
	}

	c, err := func() (model.Circle, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		for _, id := range r.circleOrder {
			existing := r.circles[id]
			if existing.Active && strings.EqualFold(existing.Name, name) {
				return model.Circle{}, &DuplicateNameError{Name: name, ExistingID: existing.ID}
			}
		}
		c := model.Circle{
			ID:            r.lastCircleID + 1,
			Name:          name,
			ProjectID:     req.ProjectID,
			RequireReview: boolOr(req.RequireReview, true),
			AutoRoute:     boolOr(req.AutoRoute, true),
			Active:        true,
			MemberIDs:     []int64{},
			TaskIDs:       []int64{},
			CreatedAt:     r.now(),
		}
		c = c.Clone()
		if err := r.store.CreateCircle(ctx, c); err != nil {
			return model.Circle{}, fmt.Errorf("registry: persist circle: %w", err)
		}
		r.lastCircleID = c.ID
		stored := c.Clone()
		r.circles[c.ID] = &stored
		r.circleOrder = append(r.circleOrder, c.ID)
		return c, nil
	}()
	if err != nil {
		return model.Circle{}, r.rejected(ctx, "create_circle", err)
	}

	r.logger.Info("registry: circle created", "circle_id", c.ID, "name", c.Name)
	r.emit(ctx, model.NewEvent(model.EventCircleCreated, map[string]any{
		"circle_id":      c.ID,
		"name":           c.Name,
		"require_review": c.RequireReview,
		"auto_route":     c.AutoRoute,
	}, model.WithCircle(c.ID), model.WithProject(c.ProjectID)))
	return c, nil
}

// ArchiveCircle soft-deletes a circle: it stops accepting tasks and members
// and its name becomes reusable. Archiving twice is a no-op.
func (r *Registry) ArchiveCircle(ctx context.Context, circleID int64) (model.Circle, error) {
	c, changed, err := func() (model.Circle, bool, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		cur, ok := r.circles[circleID]
		if !ok {
			return model.Circle{}, false, &NotFoundError{Entity: "circle", ID: circleID}
		}
		if !cur.Active {
			return cur.Clone(), false, nil
		}
		next := cur.Clone()
		next.Active = false
		if err := r.store.UpdateCircle(ctx, next); err != nil {
			return model.Circle{}, false, fmt.Errorf("registry: persist circle: %w", err)
		}
		*cur = next.Clone()
		return next, true, nil
	}()
	if err != nil || !changed {
		return c, err
	}

	r.logger.Info("registry: circle archived", "circle_id", c.ID)
	r.emit(ctx, model.NewEvent(model.EventCircleArchived, map[string]any{
		"circle_id": c.ID,
		"name":      c.Name,
	}, model.WithCircle(c.ID), model.WithProject(c.ProjectID)))
	return c, nil
}

// AddMember adds an agent to a circle. Agents are global: a handle already
// known from another circle keeps its activity flag and current task, and
// non-empty profile fields from h replace the stored ones. New agents start
// active.
func (r *Registry) AddMember(ctx context.Context, circleID int64, h model.AgentHandle, role model.MemberRole) (model.Member, error) {
	if h.ID <= 0 {
		return model.Member{}, r.rejected(ctx, "add_member", &ValidationError{Field: "agent_id", Reason: "must be positive"})
	}
	role, err := model.ParseMemberRole(string(role))
	if err != nil {
		return model.Member{}, r.rejected(ctx, "add_member", &ValidationError{Field: "role", Reason: err.Error()})
	}
	h.Name = strings.TrimSpace(h.Name)
	h.Competencies = model.NormalizeCompetencies(h.Competencies)
	h.ReviewCompetencies = model.NormalizeCompetencies(h.ReviewCompetencies)

	m, projectID, err := func() (model.Member, *int64, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		c, ok := r.circles[circleID]
		if !ok {
			return model.Member{}, nil, &NotFoundError{Entity: "circle", ID: circleID}
		}
		if !c.Active {
			return model.Member{}, nil, &ValidationError{Field: "circle_id", Reason: "circle is archived"}
		}
		key := memberKey{circleID, h.ID}
		if _, dup := r.members[key]; dup {
			return model.Member{}, nil, &DuplicateMemberError{CircleID: circleID, AgentID: h.ID}
		}

		var agent model.AgentHandle
		if existing, ok := r.agents[h.ID]; ok {
			agent = mergeProfile(existing.Clone(), h)
		} else {
			if h.Name == "" {
				return model.Member{}, nil, &ValidationError{Field: "name", Reason: "must not be empty"}
			}
			agent = h.Clone()
			agent.Active = true
			agent.CurrentTaskID = nil
		}
		m := model.Member{AgentHandle: agent, CircleID: circleID, Role: role, JoinedAt: r.now()}
		if err := r.store.AddMember(ctx, m); err != nil {
			return model.Member{}, nil, fmt.Errorf("registry: persist member: %w", err)
		}
		stored := agent.Clone()
		r.agents[agent.ID] = &stored
		r.members[key] = membership{role: role, joinedAt: m.JoinedAt}
		c.MemberIDs = append(c.MemberIDs, agent.ID)
		return m, c.Clone().ProjectID, nil
	}()
	if err != nil {
		return model.Member{}, r.rejected(ctx, "add_member", err)
	}

	r.logger.Info("registry: member added", "circle_id", circleID, "agent_id", m.ID, "role", m.Role)
	r.emit(ctx, model.NewEvent(model.EventCircleMemberAdded, map[string]any{
		"circle_id":    circleID,
		"agent_id":     m.ID,
		"agent_name":   m.Name,
		"role":         string(m.Role),
		"competencies": slices.Clone(m.Competencies),
	}, model.WithCircle(circleID), model.WithProject(projectID), model.WithSourceAgent(m.ID)))
	return m, nil
}

func mergeProfile(a, h model.AgentHandle) model.AgentHandle {
	if h.Name != "" {
		a.Name = h.Name
	}
	if h.Provider != "" {
		a.Provider = h.Provider
	}
	if h.Model != "" {
		a.Model = h.Model
	}
	if len(h.Competencies) > 0 {
		a.Competencies = h.Competencies
	}
	if len(h.ReviewCompetencies) > 0 {
		a.ReviewCompetencies = h.ReviewCompetencies
	}
	return a
}

// RemoveMember removes an agent from a circle. It is refused with a
// ConflictError while the agent holds an open task of that circle, since
// tasks are never unassigned.
func (r *Registry) RemoveMember(ctx context.Context, circleID, agentID int64) error {
	projectID, err := func() (*int64, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		c, ok := r.circles[circleID]
		if !ok {
			return nil, &NotFoundError{Entity: "circle", ID: circleID}
		}
		key := memberKey{circleID, agentID}
		if _, ok := r.members[key]; !ok {
			return nil, &NotFoundError{Entity: "member", ID: agentID}
		}
		if a := r.agents[agentID]; a != nil && a.CurrentTaskID != nil {
			if t := r.tasks[*a.CurrentTaskID]; t != nil && t.CircleID == circleID {
				return nil, &ConflictError{TaskID: t.ID, AgentID: agentID, Reason: "agent holds an open task in this circle"}
			}
		}
		if err := r.store.RemoveMember(ctx, circleID, agentID); err != nil {
			return nil, fmt.Errorf("registry: persist member removal: %w", err)
		}
		delete(r.members, key)
		c.MemberIDs = slices.DeleteFunc(c.MemberIDs, func(id int64) bool { return id == agentID })
		return c.Clone().ProjectID, nil
	}()
	if err != nil {
		return err
	}

	r.logger.Info("registry: member removed", "circle_id", circleID, "agent_id", agentID)
	r.emit(ctx, model.NewEvent(model.EventCircleMemberRemoved, map[string]any{
		"circle_id": circleID,
		"agent_id":  agentID,
	}, model.WithCircle(circleID), model.WithProject(projectID), model.WithSourceAgent(agentID)))
	return nil
}

// SetAgentActive toggles whether an agent may receive new assignments. It
// does not touch the agent's current task.
func (r *Registry) SetAgentActive(ctx context.Context, agentID int64, active bool) (model.AgentHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return model.AgentHandle{}, &NotFoundError{Entity: "agent", ID: agentID}
	}
	if a.Active == active {
		return a.Clone(), nil
	}
	next := a.Clone()
	next.Active = active
	if err := r.store.SaveAgent(ctx, next); err != nil {
		return model.AgentHandle{}, fmt.Errorf("registry: persist agent: %w", err)
	}
	*a = next.Clone()
	r.logger.Info("registry: agent activity changed", "agent_id", agentID, "active", active)
	return next, nil
}

// CreateTask adds a pending task to an active circle. Priority labels and
// competency tags are normalized here; nothing downstream sees raw input.
// The circle's review requirement is copied onto the task.
func (r *Registry) CreateTask(ctx context.Context, req model.CreateTaskRequest) (model.CircleTask, error) {
	annotate(ctx, attrCircleID.Int64(req.CircleID))
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return model.CircleTask{}, r.rejected(ctx, "create_task", &ValidationError{Field: "title", Reason: "must not be empty"})
	}
	priority, err := model.ParsePriority(req.Priority)
	if err != nil {
		return model.CircleTask{}, r.rejected(ctx, "create_task", &ValidationError{Field: "priority", Reason: err.Error()})
	}
	required := model.NormalizeCompetencies(req.RequiredCompetencies)

	t, c, err := func() (model.CircleTask, model.Circle, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		c, ok := r.circles[req.CircleID]
		if !ok {
			return model.CircleTask{}, model.Circle{}, &NotFoundError{Entity: "circle", ID: req.CircleID}
		}
		if !c.Active {
			return model.CircleTask{}, model.Circle{}, &ValidationError{Field: "circle_id", Reason: "circle is archived"}
		}
		t := model.CircleTask{
			ID:                   r.lastTaskID + 1,
			CircleID:             c.ID,
			Title:                title,
			Description:          strings.TrimSpace(req.Description),
			RequiredCompetencies: required,
			Priority:             priority,
			Status:               model.TaskPending,
			RequiresReview:       c.RequireReview,
			CreatedAt:            r.now(),
		}
		if err := r.store.CreateTask(ctx, t); err != nil {
			return model.CircleTask{}, model.Circle{}, fmt.Errorf("registry: persist task: %w", err)
		}
		r.lastTaskID = t.ID
		stored := t.Clone()
		r.tasks[t.ID] = &stored
		r.taskOrder = append(r.taskOrder, t.ID)
		c.TaskIDs = append(c.TaskIDs, t.ID)
		return t, c.Clone(), nil
	}()
	if err != nil {
		return model.CircleTask{}, r.rejected(ctx, "create_task", err)
	}

	annotate(ctx, attrTaskID.Int64(t.ID))
	r.logger.Info("registry: task created", "task_id", t.ID, "circle_id", t.CircleID, "priority", t.Priority)
	r.emit(ctx, model.NewEvent(model.EventTaskCreated, map[string]any{
		"task_id":               t.ID,
		"circle_id":             t.CircleID,
		"title":                 t.Title,
		"priority":              t.Priority,
		"required_competencies": slices.Clone(t.RequiredCompetencies),
		"auto_route":            c.AutoRoute,
	}, model.WithCircle(c.ID), model.WithProject(c.ProjectID)))
	return t, nil
}

// AssignTask binds a pending task to an agent in one critical section. The
// task must be pending and the agent an active member of the task's circle
// with no current task. Unknown ids yield NotFoundError; any other failed
// precondition, including losing a race to another caller, yields
// ConflictError.
func (r *Registry) AssignTask(ctx context.Context, taskID, agentID int64) (model.CircleTask, error) {
	annotate(ctx, attrTaskID.Int64(taskID), attrAgentID.Int64(agentID))
	t, projectID, err := func() (model.CircleTask, *int64, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		cur, ok := r.tasks[taskID]
		if !ok {
			return model.CircleTask{}, nil, &NotFoundError{Entity: "task", ID: taskID}
		}
		agent, ok := r.agents[agentID]
		if !ok {
			return model.CircleTask{}, nil, &NotFoundError{Entity: "agent", ID: agentID}
		}
		conflict := func(reason string) error {
			return &ConflictError{TaskID: taskID, AgentID: agentID, Reason: reason}
		}
		switch {
		case cur.Status != model.TaskPending:
			return model.CircleTask{}, nil, conflict(fmt.Sprintf("task is %s", cur.Status))
		case !r.isMember(cur.CircleID, agentID):
			return model.CircleTask{}, nil, conflict(fmt.Sprintf("agent is not a member of circle %d", cur.CircleID))
		case !agent.Active:
			return model.CircleTask{}, nil, conflict("agent is inactive")
		case agent.CurrentTaskID != nil:
			return model.CircleTask{}, nil, conflict(fmt.Sprintf("agent already holds task %d", *agent.CurrentTaskID))
		}

		next := cur.Clone()
		next.Status = model.TaskAssigned
		next.AssignedAgentID = &agentID
		nextAgent := agent.Clone()
		nextAgent.CurrentTaskID = &taskID
		if err := r.store.SaveAssignment(ctx, next, nextAgent); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return model.CircleTask{}, nil, conflict("task was assigned by another writer")
			}
			return model.CircleTask{}, nil, fmt.Errorf("registry: persist assignment: %w", err)
		}
		*cur = next.Clone()
		*agent = nextAgent.Clone()
		return next, r.circles[next.CircleID].Clone().ProjectID, nil
	}()
	if err != nil {
		return model.CircleTask{}, r.rejected(ctx, "assign_task", err)
	}

	annotate(ctx, attrCircleID.Int64(t.CircleID))
	r.transitioned(ctx, string(model.TaskPending), string(t.Status))
	r.logger.Info("registry: task assigned", "task_id", taskID, "agent_id", agentID)
	r.emit(ctx, model.NewEvent(model.EventTaskAssigned, map[string]any{
		"task_id":         t.ID,
		"circle_id":       t.CircleID,
		"agent_id":        agentID,
		"status":          string(t.Status),
		"previous_status": string(model.TaskPending),
	}, model.WithCircle(t.CircleID), model.WithProject(projectID), model.WithSourceAgent(agentID)))
	return t, nil
}

func (r *Registry) isMember(circleID, agentID int64) bool {
	_, ok := r.members[memberKey{circleID, agentID}]
	return ok
}

// UpdateTaskStatus moves a task along its lifecycle. An illegal move returns
// InvalidTransitionError and leaves the task untouched. Reaching completed or
// failed releases the agent's current task. A non-empty result is stored.
func (r *Registry) UpdateTaskStatus(ctx context.Context, taskID int64, status model.TaskStatus, result string) (model.CircleTask, error) {
	annotate(ctx, attrTaskID.Int64(taskID))
	if !status.Valid() {
		return model.CircleTask{}, r.rejected(ctx, "update_task_status", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)})
	}

	t, prev, projectID, err := func() (model.CircleTask, model.TaskStatus, *int64, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		cur, ok := r.tasks[taskID]
		if !ok {
			return model.CircleTask{}, "", nil, &NotFoundError{Entity: "task", ID: taskID}
		}
		if !CanTransition(cur.Status, status, cur.RequiresReview) {
			return model.CircleTask{}, "", nil, &InvalidTransitionError{TaskID: taskID, From: cur.Status, To: status}
		}
		if status == model.TaskAssigned {
			return model.CircleTask{}, "", nil, &ValidationError{Field: "status", Reason: "tasks are assigned through AssignTask"}
		}

		now := r.now()
		next := cur.Clone()
		next.Status = status
		if result != "" {
			next.Result = result
		}
		if status == model.TaskInProgress && next.StartedAt == nil {
			next.StartedAt = &now
		}
		var released *model.AgentHandle
		if status.IsTerminal() {
			next.CompletedAt = &now
			if next.AssignedAgentID != nil {
				if a := r.agents[*next.AssignedAgentID]; a != nil && a.CurrentTaskID != nil && *a.CurrentTaskID == taskID {
					c := a.Clone()
					c.CurrentTaskID = nil
					released = &c
				}
			}
		}
		if err := r.store.SaveTaskStatus(ctx, next, released); err != nil {
			return model.CircleTask{}, "", nil, fmt.Errorf("registry: persist task status: %w", err)
		}
		prev := cur.Status
		*cur = next.Clone()
		if released != nil {
			*r.agents[released.ID] = released.Clone()
		}
		return next, prev, r.circles[next.CircleID].Clone().ProjectID, nil
	}()
	if err != nil {
		return model.CircleTask{}, r.rejected(ctx, "update_task_status", err)
	}

	annotate(ctx, attrCircleID.Int64(t.CircleID))
	if t.AssignedAgentID != nil {
		annotate(ctx, attrAgentID.Int64(*t.AssignedAgentID))
	}
	r.transitioned(ctx, string(prev), string(t.Status))
	r.logger.Info("registry: task status changed", "task_id", taskID, "from", prev, "to", t.Status)
	kind, _ := statusEvent(t.Status)
	data := map[string]any{
		"task_id":         t.ID,
		"circle_id":       t.CircleID,
		"status":          string(t.Status),
		"previous_status": string(prev),
	}
	opts := []model.EventOption{model.WithCircle(t.CircleID), model.WithProject(projectID)}
	if t.AssignedAgentID != nil {
		data["agent_id"] = *t.AssignedAgentID
		opts = append(opts, model.WithSourceAgent(*t.AssignedAgentID))
	}
	if t.Result != "" {
		data["result"] = t.Result
	}
	r.emit(ctx, model.NewEvent(kind, data, opts...))
	return t, nil
}

// GetCircle returns a copy of the circle, archived or not.
func (r *Registry) GetCircle(circleID int64) (model.Circle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.circles[circleID]
	if !ok {
		return model.Circle{}, &NotFoundError{Entity: "circle", ID: circleID}
	}
	return c.Clone(), nil
}

// GetTask returns a copy of the task.
func (r *Registry) GetTask(taskID int64) (model.CircleTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return model.CircleTask{}, &NotFoundError{Entity: "task", ID: taskID}
	}
	return t.Clone(), nil
}

// GetAgent returns a copy of the agent handle.
func (r *Registry) GetAgent(agentID int64) (model.AgentHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return model.AgentHandle{}, &NotFoundError{Entity: "agent", ID: agentID}
	}
	return a.Clone(), nil
}

// ListCircles returns active circles in creation order, optionally limited to
// one project.
func (r *Registry) ListCircles(projectID *int64) []model.Circle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Circle, 0, len(r.circleOrder))
	for _, id := range r.circleOrder {
		c := r.circles[id]
		if !c.Active {
			continue
		}
		if projectID != nil && (c.ProjectID == nil || *c.ProjectID != *projectID) {
			continue
		}
		out = append(out, c.Clone())
	}
	return out
}

// ListMembers returns the circle's members in join order.
func (r *Registry) ListMembers(circleID int64) ([]model.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.circles[circleID]
	if !ok {
		return nil, &NotFoundError{Entity: "circle", ID: circleID}
	}
	out := make([]model.Member, 0, len(c.MemberIDs))
	for _, id := range c.MemberIDs {
		ms := r.members[memberKey{circleID, id}]
		out = append(out, model.Member{
			AgentHandle: r.agents[id].Clone(),
			CircleID:    circleID,
			Role:        ms.role,
			JoinedAt:    ms.joinedAt,
		})
	}
	return out, nil
}

// Roster returns the handles of the circle's members in join order. The
// facilitator decides who among them is eligible.
func (r *Registry) Roster(circleID int64) ([]model.AgentHandle, error) {
	members, err := r.ListMembers(circleID)
	if err != nil {
		return nil, err
	}
	out := make([]model.AgentHandle, len(members))
	for i, m := range members {
		out[i] = m.AgentHandle
	}
	return out, nil
}

// ListTasks returns tasks matching f in creation order.
func (r *Registry) ListTasks(f model.TaskFilter) []model.CircleTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.CircleTask, 0)
	for _, id := range r.taskOrder {
		if t := r.tasks[id]; f.Matches(*t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Counts reports how many active circles and tasks the registry holds.
func (r *Registry) Counts() (circles, tasks int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.circles {
		if c.Active {
			circles++
		}
	}
	return circles, len(r.tasks)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
