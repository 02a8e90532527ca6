// Package orchestration wires the registry, the facilitator and the event bus
// into the auto-routing policy: new tasks in auto-routed circles are offered
// to the best eligible member as soon as they are created.
package orchestration

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/alkimya/gathering-sub003/internal/eventbus"
	"github.com/alkimya/gathering-sub003/internal/facilitator"
	"github.com/alkimya/gathering-sub003/internal/model"
	"github.com/alkimya/gathering-sub003/internal/registry"
	"github.com/alkimya/gathering-sub003/internal/telemetry"
)

// Registry is the part of *registry.Registry the facade relies on.
type Registry interface {
	GetCircle(circleID int64) (model.Circle, error)
	GetTask(taskID int64) (model.CircleTask, error)
	Roster(circleID int64) ([]model.AgentHandle, error)
	ListTasks(f model.TaskFilter) []model.CircleTask
	CreateTask(ctx context.Context, req model.CreateTaskRequest) (model.CircleTask, error)
	AssignTask(ctx context.Context, taskID, agentID int64) (model.CircleTask, error)
}

// Deps are the facade's collaborators. Quality may be nil, in which case a
// QualityTracker fed by the bus is used.
type Deps struct {
	Registry    Registry
	Facilitator *facilitator.Facilitator
	Bus         *eventbus.Bus
	Quality     facilitator.QualitySource
	Logger      *slog.Logger
}

// RouteResult describes one routing attempt.
type RouteResult struct {
	TaskID         int64                       `json:"task_id"`
	Routed         bool                        `json:"routed"`
	Conflict       bool                        `json:"conflict,omitempty"`
	AgentID        *int64                      `json:"agent_id,omitempty"`
	Score          float64                     `json:"score,omitempty"`
	Reason         string                      `json:"reason,omitempty"`
	Task           *model.CircleTask           `json:"task,omitempty"`
	Recommendation *facilitator.Recommendation `json:"recommendation,omitempty"`
}

// Facade implements auto-routing on top of the registry.
type Facade struct {
	reg     Registry
	fac     *facilitator.Facilitator
	bus     *eventbus.Bus
	quality facilitator.QualitySource
	tracker *QualityTracker
	logger  *slog.Logger

	group singleflight.Group

	mu   sync.Mutex
	subs []string

	routedCounter   metric.Int64Counter
	conflictCounter metric.Int64Counter
	unroutedCounter metric.Int64Counter
	reviewCounter   metric.Int64Counter
}

// New creates a facade. Call Start to begin reacting to events.
func New(d Deps) *Facade {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	fac := d.Facilitator
	if fac == nil {
		fac = facilitator.New(facilitator.Options{})
	}
	f := &Facade{
		reg:     d.Registry,
		fac:     fac,
		bus:     d.Bus,
		quality: d.Quality,
		logger:  logger,
	}
	if f.quality == nil {
		f.tracker = NewQualityTracker()
		f.quality = f.tracker
	}

	meter := telemetry.Meter("gathering/orchestration")
	f.routedCounter, _ = meter.Int64Counter("gathering.routing.assigned",
		metric.WithDescription("Tasks assigned by the router"))
	f.conflictCounter, _ = meter.Int64Counter("gathering.routing.conflicts",
		metric.WithDescription("Routing attempts that lost an assignment race"))
	f.unroutedCounter, _ = meter.Int64Counter("gathering.routing.unrouted",
		metric.WithDescription("Routing attempts that found no eligible candidate"))
	f.reviewCounter, _ = meter.Int64Counter("gathering.routing.reviews",
		metric.WithDescription("Review routing attempts by outcome"))
	return f
}

// Tracker returns the built-in quality tracker, or nil when an external
// QualitySource was supplied.
func (f *Facade) Tracker() *QualityTracker { return f.tracker }

// Start subscribes the facade to the bus. It is not idempotent.
func (f *Facade) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tracker != nil {
		replayed := f.tracker.Replay(f.reg.ListTasks(model.TaskFilter{}))
		f.tracker.Attach(f.bus)
		f.logger.Debug("orchestration: quality history replayed", "tasks", replayed)
	}
	f.subs = append(f.subs,
		f.bus.Subscribe(model.EventTaskCreated, f.onTaskCreated, eventbus.WithName("router-task-created")),
		f.bus.Subscribe(model.EventCircleMemberAdded, f.onCapacityChanged, eventbus.WithName("router-member-added")),
		f.bus.Subscribe(model.EventTaskCompleted, f.onCapacityChanged, eventbus.WithName("router-task-completed")),
		f.bus.Subscribe(model.EventTaskFailed, f.onCapacityChanged, eventbus.WithName("router-task-failed")),
		f.bus.Subscribe(model.EventTaskReviewRequested, f.onReviewRequested, eventbus.WithName("router-review-requested")),
	)
	f.logger.Info("orchestration: router started")
}

// Stop removes the facade's subscriptions. Handlers already running finish.
func (f *Facade) Stop() {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	for _, id := range subs {
		f.bus.Unsubscribe(id)
	}
	if f.tracker != nil {
		f.tracker.Detach(f.bus)
	}
	f.logger.Info("orchestration: router stopped")
}

// CreateTask creates a task; routing follows from the TASK_CREATED event.
func (f *Facade) CreateTask(ctx context.Context, req model.CreateTaskRequest) (model.CircleTask, error) {
	return f.reg.CreateTask(ctx, req)
}

func (f *Facade) onTaskCreated(ctx context.Context, e model.Event) error {
	taskID, ok := e.Int64("task_id")
	if !ok || e.CircleID == nil {
		return fmt.Errorf("orchestration: task.created event %s lacks task or circle id", e.ID)
	}
	if !f.autoRouted(*e.CircleID) {
		return nil
	}
	_, err := f.RouteTask(ctx, taskID)
	if errors.Is(err, registry.ErrConflict) {
		return nil
	}
	return err
}

func (f *Facade) onCapacityChanged(ctx context.Context, e model.Event) error {
	if e.CircleID == nil || !f.autoRouted(*e.CircleID) {
		return nil
	}
	_, err := f.RoutePending(ctx, *e.CircleID)
	return err
}

func (f *Facade) onReviewRequested(ctx context.Context, e model.Event) error {
	taskID, ok := e.Int64("task_id")
	if !ok {
		return fmt.Errorf("orchestration: task.review_requested event %s lacks task id", e.ID)
	}
	_, err := f.RouteReview(ctx, taskID)
	return err
}

func (f *Facade) autoRouted(circleID int64) bool {
	c, err := f.reg.GetCircle(circleID)
	return err == nil && c.AutoRoute && c.Active
}

// RouteTask asks the facilitator for the best member of the task's circle and
// assigns the task to it. A task that is no longer pending, or for which no
// candidate qualifies, is left alone with a reason in the result. If the
// assignment loses a race the conflict is logged, published as
// TASK_CONFLICT_DETECTED and returned; it is not retried.
//
// Concurrent calls for the same task share a single attempt.
func (f *Facade) RouteTask(ctx context.Context, taskID int64) (RouteResult, error) {
	v, err, _ := f.group.Do(strconv.FormatInt(taskID, 10), func() (any, error) {
		return f.route(ctx, taskID)
	})
	res, _ := v.(RouteResult)
	return res, err
}

func (f *Facade) route(ctx context.Context, taskID int64) (RouteResult, error) {
	res := RouteResult{TaskID: taskID}

	task, err := f.reg.GetTask(taskID)
	if err != nil {
		return res, err
	}
	if task.Status != model.TaskPending {
		res.Reason = fmt.Sprintf("task is %s", task.Status)
		return res, nil
	}
	roster, err := f.reg.Roster(task.CircleID)
	if err != nil {
		return res, err
	}

	rec, ok := f.fac.Recommend(task, roster, f.quality)
	res.Recommendation = &rec
	if !ok {
		res.Reason = "no eligible candidate"
		f.unroutedCounter.Add(ctx, 1)
		f.logger.Info("orchestration: no candidate for task",
			"task_id", taskID, "circle_id", task.CircleID, "roster", len(roster), "skipped", len(rec.Skips))
		return res, nil
	}

	agentID := rec.Best.Agent.ID
	assigned, err := f.reg.AssignTask(ctx, taskID, agentID)
	if err != nil {
		var ce *registry.ConflictError
		if !errors.As(err, &ce) {
			return res, fmt.Errorf("orchestration: assign task %d: %w", taskID, err)
		}
		res.Conflict = true
		res.Reason = ce.Reason
		f.conflictCounter.Add(ctx, 1)
		f.logger.Warn("orchestration: assignment conflict, leaving task pending",
			"task_id", taskID, "agent_id", agentID, "reason", ce.Reason)
		f.publishConflict(ctx, task, agentID, rec.Best.Score, ce)
		return res, err
	}

	res.Routed = true
	res.AgentID = &agentID
	res.Score = rec.Best.Score
	res.Task = &assigned
	f.routedCounter.Add(ctx, 1)
	f.logger.Info("orchestration: task routed",
		"task_id", taskID, "agent_id", agentID, "score", rec.Best.Score)
	return res, nil
}

func (f *Facade) publishConflict(ctx context.Context, task model.CircleTask, agentID int64, score float64, ce *registry.ConflictError) {
	var project *int64
	if c, err := f.reg.GetCircle(task.CircleID); err == nil {
		project = c.ProjectID
	}
	f.bus.Publish(ctx, model.NewEvent(model.EventTaskConflictDetected, map[string]any{
		"task_id":   task.ID,
		"circle_id": task.CircleID,
		"agent_id":  agentID,
		"score":     score,
		"reason":    ce.Reason,
	}, model.WithCircle(task.CircleID), model.WithProject(project), model.WithSourceAgent(agentID)))
}

// RoutePending routes the circle's pending tasks, most urgent first and then
// in creation order. Conflicts are skipped; other errors stop the pass.
func (f *Facade) RoutePending(ctx context.Context, circleID int64) ([]RouteResult, error) {
	pending := model.TaskPending
	tasks := f.reg.ListTasks(model.TaskFilter{CircleID: &circleID, Status: &pending})
	slices.SortStableFunc(tasks, func(a, b model.CircleTask) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	results := make([]RouteResult, 0, len(tasks))
	for _, t := range tasks {
		res, err := f.RouteTask(ctx, t.ID)
		if err != nil && !errors.Is(err, registry.ErrConflict) {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// ReviewResult describes one review routing attempt.
type ReviewResult struct {
	TaskID         int64                       `json:"task_id"`
	Routed         bool                        `json:"routed"`
	ReviewerID     *int64                      `json:"reviewer_id,omitempty"`
	Reason         string                      `json:"reason,omitempty"`
	Recommendation *facilitator.Recommendation `json:"recommendation,omitempty"`
}

// maxWorkSummary bounds the result excerpt carried by reviewer events.
const maxWorkSummary = 500

// RouteReview picks a reviewer for a task in in_review and announces it as
// TASK_REVIEWER_ASSIGNED, with the reviewer in the payload. The task itself
// is not modified: the reviewer still approves or rejects it through the
// status transition. Review routing does not depend on the circle's
// auto_route flag.
func (f *Facade) RouteReview(ctx context.Context, taskID int64) (ReviewResult, error) {
	res := ReviewResult{TaskID: taskID}

	task, err := f.reg.GetTask(taskID)
	if err != nil {
		return res, err
	}
	if task.Status != model.TaskInReview {
		res.Reason = fmt.Sprintf("task is %s", task.Status)
		return res, nil
	}
	roster, err := f.reg.Roster(task.CircleID)
	if err != nil {
		return res, err
	}

	rec, ok := f.fac.RecommendReviewer(task, roster, f.quality)
	res.Recommendation = &rec
	if !ok {
		res.Reason = "no eligible reviewer"
		f.reviewCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "unrouted")))
		f.logger.Warn("orchestration: no reviewer for task",
			"task_id", taskID, "circle_id", task.CircleID, "skipped", len(rec.Skips))
		return res, nil
	}

	reviewerID := rec.Best.Agent.ID
	res.Routed = true
	res.ReviewerID = &reviewerID
	f.reviewCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "routed")))
	f.logger.Info("orchestration: reviewer chosen", "task_id", taskID, "reviewer_id", reviewerID)

	data := map[string]any{
		"task_id":      task.ID,
		"circle_id":    task.CircleID,
		"reviewer_id":  reviewerID,
		"score":        rec.Best.Score,
		"work_summary": truncateRunes(task.Result, maxWorkSummary),
	}
	opts := []model.EventOption{model.WithCircle(task.CircleID)}
	if c, err := f.reg.GetCircle(task.CircleID); err == nil {
		opts = append(opts, model.WithProject(c.ProjectID))
	}
	if task.AssignedAgentID != nil {
		data["author_id"] = *task.AssignedAgentID
		opts = append(opts, model.WithSourceAgent(*task.AssignedAgentID))
	}
	f.bus.Publish(ctx, model.NewEvent(model.EventTaskReviewerAssigned, data, opts...))
	return res, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
