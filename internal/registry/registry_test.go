package registry_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alkimya/gathering-sub003/internal/eventbus"
	"github.com/alkimya/gathering-sub003/internal/model"
	"github.com/alkimya/gathering-sub003/internal/registry"
	"github.com/alkimya/gathering-sub003/internal/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	reg   *registry.Registry
	bus   *eventbus.Bus
	store *memory.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	bus := eventbus.New(eventbus.Options{}, testLogger())
	store := memory.New()
	t.Cleanup(func() { _ = bus.Drain(context.Background()) })
	return fixture{reg: registry.New(store, bus, testLogger()), bus: bus, store: store}
}

func boolPtr(b bool) *bool { return &b }

func (f fixture) circle(t *testing.T, name string, requireReview bool) model.Circle {
	t.Helper()
	c, err := f.reg.CreateCircle(context.Background(), model.CreateCircleRequest{
		Name:          name,
		RequireReview: boolPtr(requireReview),
		AutoRoute:     boolPtr(false),
	})
	require.NoError(t, err)
	return c
}

func (f fixture) member(t *testing.T, circleID, agentID int64, competencies ...string) {
	t.Helper()
	_, err := f.reg.AddMember(context.Background(), circleID, model.AgentHandle{
		ID:           agentID,
		Name:         "agent",
		Competencies: competencies,
	}, "")
	require.NoError(t, err)
}

func (f fixture) task(t *testing.T, circleID int64) model.CircleTask {
	t.Helper()
	task, err := f.reg.CreateTask(context.Background(), model.CreateTaskRequest{CircleID: circleID, Title: "do it"})
	require.NoError(t, err)
	return task
}

func TestCreateCircleDefaults(t *testing.T) {
	f := newFixture(t)
	c, err := f.reg.CreateCircle(context.Background(), model.CreateCircleRequest{Name: "  core  "})
	require.NoError(t, err)

	assert.Equal(t, int64(1), c.ID)
	assert.Equal(t, "core", c.Name)
	assert.True(t, c.RequireReview)
	assert.True(t, c.AutoRoute)
	assert.True(t, c.Active)

	require.NoError(t, f.bus.Drain(context.Background()))
	hist := f.bus.History(eventbus.HistoryQuery{Kind: model.EventCircleCreated})
	require.Len(t, hist, 1)
	assert.Equal(t, c.ID, *hist[0].CircleID)
}

func TestCreateCircleValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.CreateCircle(context.Background(), model.CreateCircleRequest{Name: "   "})
	assert.ErrorIs(t, err, registry.ErrValidation)

	var ve *registry.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "name", ve.Field)
}

func TestCreateCircleDuplicateName(t *testing.T) {
	f := newFixture(t)
	first := f.circle(t, "core", true)

	_, err := f.reg.CreateCircle(context.Background(), model.CreateCircleRequest{Name: "Core"})
	var dup *registry.DuplicateNameError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)

	// Archiving frees the name.
	_, err = f.reg.ArchiveCircle(context.Background(), first.ID)
	require.NoError(t, err)
	again, err := f.reg.CreateCircle(context.Background(), model.CreateCircleRequest{Name: "core"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)
	assert.Len(t, f.reg.ListCircles(nil), 1)
}

func TestArchivedCircleRejectsWork(t *testing.T) {
	f := newFixture(t)
	c := f.circle(t, "core", false)
	_, err := f.reg.ArchiveCircle(context.Background(), c.ID)
	require.NoError(t, err)

	_, err = f.reg.CreateTask(context.Background(), model.CreateTaskRequest{CircleID: c.ID, Title: "x"})
	assert.ErrorIs(t, err, registry.ErrValidation)
	_, err = f.reg.AddMember(context.Background(), c.ID, model.AgentHandle{ID: 1, Name: "a"}, "")
	assert.ErrorIs(t, err, registry.ErrValidation)

	again, err := f.reg.ArchiveCircle(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, again.Active)
}

func TestAddMember(t *testing.T) {
	f := newFixture(t)
	c := f.circle(t, "core", true)

	m, err := f.reg.AddMember(context.Background(), c.ID, model.AgentHandle{
		ID: 7, Name: "claude", Competencies: []string{"Python", "python", " Go "},
	}, model.RoleLead)
	require.NoError(t, err)
	assert.Equal(t, []string{"python", "go"}, m.Competencies)
	assert.True(t, m.Active)
	assert.Equal(t, model.RoleLead, m.Role)

	_, err = f.reg.AddMember(context.Background(), c.ID, model.AgentHandle{ID: 7, Name: "claude"}, "")
	assert.ErrorIs(t, err, registry.ErrDuplicateMember)

	_, err = f.reg.AddMember(context.Background(), 99, model.AgentHandle{ID: 8, Name: "x"}, "")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	_, err = f.reg.AddMember(context.Background(), c.ID, model.AgentHandle{ID: 0, Name: "x"}, "")
	assert.ErrorIs(t, err, registry.ErrValidation)

	_, err = f.reg.AddMember(context.Background(), c.ID, model.AgentHandle{ID: 9, Name: "x"}, "owner")
	assert.ErrorIs(t, err, registry.ErrValidation)

	members, err := f.reg.ListMembers(c.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, int64(7), members[0].ID)
}

func TestAgentsAreSharedAcrossCircles(t *testing.T) {
	f := newFixture(t)
	a := f.circle(t, "a", false)
	b := f.circle(t, "b", false)
	f.member(t, a.ID, 1, "go")
	// Re-adding with only an id keeps the existing profile.
	_, err := f.reg.AddMember(context.Background(), b.ID, model.AgentHandle{ID: 1}, "")
	require.NoError(t, err)

	task := f.task(t, a.ID)
	_, err = f.reg.AssignTask(context.Background(), task.ID, 1)
	require.NoError(t, err)

	other := f.task(t, b.ID)
	_, err = f.reg.AssignTask(context.Background(), other.ID, 1)
	assert.ErrorIs(t, err, registry.ErrConflict)

	agent, err := f.reg.GetAgent(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, agent.Competencies)
}

func TestRemoveMember(t *testing.T) {
	f := newFixture(t)
	c := f.circle(t, "core", false)
	f.member(t, c.ID, 1)
	f.member(t, c.ID, 2)

	task := f.task(t, c.ID)
	_, err := f.reg.AssignTask(context.Background(), task.ID, 1)
	require.NoError(t, err)

	err = f.reg.RemoveMember(context.Background(), c.ID, 1)
	var ce *registry.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, task.ID, ce.TaskID)

	require.NoError(t, f.reg.RemoveMember(context.Background(), c.ID, 2))
	assert.ErrorIs(t, f.reg.RemoveMember(context.Background(), c.ID, 2), registry.ErrNotFound)

	got, err := f.reg.GetCircle(c.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, got.MemberIDs)

	require.NoError(t, f.bus.Drain(context.Background()))
	assert.Len(t, f.bus.History(eventbus.HistoryQuery{Kind: model.EventCircleMemberRemoved}), 1)
}

func TestCreateTaskNormalizes(t *testing.T) {
	f := newFixture(t)
	c := f.circle(t, "core", true)

	for label, want := range map[string]int{"critical": 1, "high": 3, "medium": 5, "low": 8} {
		task, err := f.reg.CreateTask(context.Background(), model.CreateTaskRequest{
			CircleID:             c.ID,
			Title:                "t-" + label,
			RequiredCompetencies: []string{"Security", "security", "PYTHON"},
			Priority:             label,
		})
		require.NoError(t, err)
		assert.Equal(t, want, task.Priority)
		assert.Equal(t, []string{"security", "python"}, task.RequiredCompetencies)
		assert.Equal(t, model.TaskPending, task.Status)
		assert.True(t, task.RequiresReview)
		assert.Nil(t, task.AssignedAgentID)
	}

	_, err := f.reg.CreateTask(context.Background(), model.CreateTaskRequest{CircleID: c.ID, Title: ""})
	assert.ErrorIs(t, err, registry.ErrValidation)
	_, err = f.reg.CreateTask(context.Background(), model.CreateTaskRequest{CircleID: c.ID, Title: "x", Priority: 11})
	assert.ErrorIs(t, err, registry.ErrValidation)
	_, err = f.reg.CreateTask(context.Background(), model.CreateTaskRequest{CircleID: c.ID, Title: "x", Priority: "urgent"})
	assert.ErrorIs(t, err, registry.ErrValidation)
	_, err = f.reg.CreateTask(context.Background(), model.CreateTaskRequest{CircleID: 42, Title: "x"})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestAssignTaskPreconditions(t *testing.T) {
	f := newFixture(t)
	c := f.circle(t, "core", false)
	other := f.circle(t, "other", false)
	f.member(t, c.ID, 1)
	f.member(t, other.ID, 2)
	f.member(t, c.ID, 3)
	_, err := f.reg.SetAgentActive(context.Background(), 3, false)
	require.NoError(t, err)
	task := f.task(t, c.ID)

	_, err = f.reg.AssignTask(context.Background(), 999, 1)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = f.reg.AssignTask(context.Background(), task.ID, 999)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = f.reg.AssignTask(context.Background(), task.ID, 2)
	assert.ErrorIs(t, err, registry.ErrConflict, "non-member")
	_, err = f.reg.AssignTask(context.Background(), task.ID, 3)
	assert.ErrorIs(t, err, registry.ErrConflict, "inactive")

	assigned, err := f.reg.AssignTask(context.Background(), task.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.TaskAssigned, assigned.Status)
	require.NotNil(t, assigned.AssignedAgentID)
	assert.Equal(t, int64(1), *assigned.AssignedAgentID)

	agent, err := f.reg.GetAgent(1)
	require.NoError(t, err)
	require.NotNil(t, agent.CurrentTaskID)
	assert.Equal(t, task.ID, *agent.CurrentTaskID)

	_, err = f.reg.AssignTask(context.Background(), task.ID, 1)
	assert.ErrorIs(t, err, registry.ErrConflict, "not pending")

	second := f.task(t, c.ID)
	_, err = f.reg.AssignTask(context.Background(), second.ID, 1)
	assert.ErrorIs(t, err, registry.ErrConflict, "agent busy")
}

func TestAssignTaskRace(t *testing.T) {
	for range 50 {
		f := newFixture(t)
		c := f.circle(t, "core", false)
		f.member(t, c.ID, 1)
		f.member(t, c.ID, 2)
		task := f.task(t, c.ID)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range 2 {
			wg.Go(func() {
				_, errs[i] = f.reg.AssignTask(context.Background(), task.ID, int64(i+1))
			})
		}
		wg.Wait()

		var ok, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, registry.ErrConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, conflicts)

		got, err := f.reg.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskAssigned, got.Status)
		require.NotNil(t, got.AssignedAgentID)

		holders := 0
		for _, id := range []int64{1, 2} {
			a, err := f.reg.GetAgent(id)
			require.NoError(t, err)
			if a.CurrentTaskID != nil {
				holders++
				assert.Equal(t, *got.AssignedAgentID, id)
			}
		}
		assert.Equal(t, 1, holders)
	}
}

// advance drives a fresh task to status along the legal path.
func advance(t *testing.T, f fixture, circleID int64, status model.TaskStatus, agentID int64) model.CircleTask {
	t.Helper()
	ctx := context.Background()
	task := f.task(t, circleID)
	if status == model.TaskPending {
		return task
	}
	task, err := f.reg.AssignTask(ctx, task.ID, agentID)
	require.NoError(t, err)
	path := map[model.TaskStatus][]model.TaskStatus{
		model.TaskAssigned:   nil,
		model.TaskInProgress: {model.TaskInProgress},
		model.TaskInReview:   {model.TaskInProgress, model.TaskInReview},
		model.TaskCompleted:  {model.TaskInProgress, model.TaskInReview, model.TaskCompleted},
		model.TaskFailed:     {model.TaskFailed},
	}[status]
	for _, s := range path {
		task, err = f.reg.UpdateTaskStatus(ctx, task.ID, s, "")
		require.NoError(t, err)
	}
	return task
}

func TestStateMachineExhaustive(t *testing.T) {
	allowed := map[[2]model.TaskStatus]bool{
		{model.TaskAssigned, model.TaskInProgress}:  true,
		{model.TaskAssigned, model.TaskFailed}:      true,
		{model.TaskInProgress, model.TaskInReview}:  true,
		{model.TaskInProgress, model.TaskFailed}:    true,
		{model.TaskInReview, model.TaskCompleted}:   true,
		{model.TaskInReview, model.TaskFailed}:      true,
		{model.TaskPending, model.TaskAssigned}:     true,
		{model.TaskInProgress, model.TaskCompleted}: false, // review required below
	}

	for _, from := range model.TaskStatuses {
		for _, to := range model.TaskStatuses {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				f := newFixture(t)
				c := f.circle(t, "review", true)
				f.member(t, c.ID, 1)
				task := advance(t, f, c.ID, from, 1)
				require.Equal(t, from, task.Status)

				got, err := f.reg.UpdateTaskStatus(context.Background(), task.ID, to, "")
				after, gerr := f.reg.GetTask(task.ID)
				require.NoError(t, gerr)

				switch {
				case from == model.TaskPending && to == model.TaskAssigned:
					assert.ErrorIs(t, err, registry.ErrValidation)
					assert.Equal(t, from, after.Status)
				case allowed[[2]model.TaskStatus{from, to}]:
					require.NoError(t, err)
					assert.Equal(t, to, got.Status)
					assert.Equal(t, to, after.Status)
				default:
					var ite *registry.InvalidTransitionError
					require.ErrorAs(t, err, &ite)
					assert.Equal(t, from, ite.From)
					assert.Equal(t, to, ite.To)
					assert.Equal(t, from, after.Status)
				}
			})
		}
	}
}

func TestNoReviewCircleSkipsReview(t *testing.T) {
	f := newFixture(t)
	c := f.circle(t, "fast", false)
	f.member(t, c.ID, 1)
	task := advance(t, f, c.ID, model.TaskInProgress, 1)

	_, err := f.reg.UpdateTaskStatus(context.Background(), task.ID, model.TaskInReview, "")
	assert.ErrorIs(t, err, registry.ErrInvalidTransition)

	done, err := f.reg.UpdateTaskStatus(context.Background(), task.ID, model.TaskCompleted, "shipped")
	require.NoError(t, err)
	assert.Equal(t, "shipped", done.Result)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestTerminalStatusReleasesAgent(t *testing.T) {
	for _, terminal := range []model.TaskStatus{model.TaskCompleted, model.TaskFailed} {
		t.Run(string(terminal), func(t *testing.T) {
			f := newFixture(t)
			c := f.circle(t, "core", true)
			f.member(t, c.ID, 1)
			advance(t, f, c.ID, terminal, 1)

			agent, err := f.reg.GetAgent(1)
			require.NoError(t, err)
			assert.Nil(t, agent.CurrentTaskID)

			next := f.task(t, c.ID)
			_, err = f.reg.AssignTask(context.Background(), next.ID, 1)
			assert.NoError(t, err)
		})
	}
}

func TestStatusEvents(t *testing.T) {
	f := newFixture(t)
	c := f.circle(t, "core", true)
	f.member(t, c.ID, 1)
	advance(t, f, c.ID, model.TaskCompleted, 1)
	require.NoError(t, f.bus.Drain(context.Background()))

	var kinds []model.EventKind
	for _, e := range f.bus.History(eventbus.HistoryQuery{}) {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []model.EventKind{
		model.EventCircleCreated,
		model.EventCircleMemberAdded,
		model.EventTaskCreated,
		model.EventTaskAssigned,
		model.EventTaskStarted,
		model.EventTaskReviewRequested,
		model.EventTaskCompleted,
	}, kinds)

	completed := f.bus.History(eventbus.HistoryQuery{Kind: model.EventTaskCompleted})[0]
	agentID, ok := completed.Int64("agent_id")
	require.True(t, ok)
	assert.Equal(t, int64(1), agentID)
	assert.Equal(t, int64(1), *completed.SourceAgentID)
}

func TestListTasksFilters(t *testing.T) {
	f := newFixture(t)
	a := f.circle(t, "a", false)
	b := f.circle(t, "b", false)
	f.member(t, a.ID, 1)
	t1 := f.task(t, a.ID)
	f.task(t, b.ID)
	t3 := f.task(t, a.ID)
	_, err := f.reg.AssignTask(context.Background(), t1.ID, 1)
	require.NoError(t, err)

	all := f.reg.ListTasks(model.TaskFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].ID, all[1].ID, all[2].ID})

	pending := model.TaskPending
	got := f.reg.ListTasks(model.TaskFilter{CircleID: &a.ID, Status: &pending})
	require.Len(t, got, 1)
	assert.Equal(t, t3.ID, got[0].ID)
}

func TestListCirclesByProject(t *testing.T) {
	f := newFixture(t)
	p1, p2 := int64(1), int64(2)
	_, err := f.reg.CreateCircle(context.Background(), model.CreateCircleRequest{Name: "a", ProjectID: &p1})
	require.NoError(t, err)
	_, err = f.reg.CreateCircle(context.Background(), model.CreateCircleRequest{Name: "b", ProjectID: &p2})
	require.NoError(t, err)
	_, err = f.reg.CreateCircle(context.Background(), model.CreateCircleRequest{Name: "c"})
	require.NoError(t, err)

	assert.Len(t, f.reg.ListCircles(nil), 3)
	got := f.reg.ListCircles(&p1)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
}

func TestLoadRestoresState(t *testing.T) {
	f := newFixture(t)
	c := f.circle(t, "core", true)
	f.member(t, c.ID, 1, "go")
	f.member(t, c.ID, 2)
	task := advance(t, f, c.ID, model.TaskInProgress, 1)
	advance(t, f, c.ID, model.TaskCompleted, 2)

	restored := registry.New(f.store, nil, testLogger())
	require.NoError(t, restored.Load(context.Background()))

	got, err := restored.GetCircle(c.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, got.MemberIDs)
	assert.Len(t, got.TaskIDs, 2)

	a1, err := restored.GetAgent(1)
	require.NoError(t, err)
	require.NotNil(t, a1.CurrentTaskID)
	assert.Equal(t, task.ID, *a1.CurrentTaskID)
	a2, err := restored.GetAgent(2)
	require.NoError(t, err)
	assert.Nil(t, a2.CurrentTaskID)

	next, err := restored.CreateTask(context.Background(), model.CreateTaskRequest{CircleID: c.ID, Title: "after restart"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.ID)
}

// failingStore fails every write once armed.
type failingStore struct {
	*memory.Store
	fail bool
}

var errDisk = errors.New("disk on fire")

func (s *failingStore) CreateTask(ctx context.Context, t model.CircleTask) error {
	if s.fail {
		return errDisk
	}
	return s.Store.CreateTask(ctx, t)
}

func (s *failingStore) SaveAssignment(ctx context.Context, t model.CircleTask, a model.AgentHandle) error {
	if s.fail {
		return errDisk
	}
	return s.Store.SaveAssignment(ctx, t, a)
}

func (s *failingStore) SaveTaskStatus(ctx context.Context, t model.CircleTask, a *model.AgentHandle) error {
	if s.fail {
		return errDisk
	}
	return s.Store.SaveTaskStatus(ctx, t, a)
}

func TestStoreFailureLeavesNoPartialState(t *testing.T) {
	store := &failingStore{Store: memory.New()}
	bus := eventbus.New(eventbus.Options{}, testLogger())
	reg := registry.New(store, bus, testLogger())
	ctx := context.Background()

	c, err := reg.CreateCircle(ctx, model.CreateCircleRequest{Name: "core", RequireReview: boolPtr(false)})
	require.NoError(t, err)
	_, err = reg.AddMember(ctx, c.ID, model.AgentHandle{ID: 1, Name: "a"}, "")
	require.NoError(t, err)
	task, err := reg.CreateTask(ctx, model.CreateTaskRequest{CircleID: c.ID, Title: "x"})
	require.NoError(t, err)

	store.fail = true
	_, err = reg.CreateTask(ctx, model.CreateTaskRequest{CircleID: c.ID, Title: "y"})
	require.ErrorIs(t, err, errDisk)
	assert.Len(t, reg.ListTasks(model.TaskFilter{}), 1)

	_, err = reg.AssignTask(ctx, task.ID, 1)
	require.ErrorIs(t, err, errDisk)
	got, err := reg.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)
	agent, err := reg.GetAgent(1)
	require.NoError(t, err)
	assert.Nil(t, agent.CurrentTaskID)

	store.fail = false
	_, err = reg.AssignTask(ctx, task.ID, 1)
	require.NoError(t, err)
	store.fail = true
	_, err = reg.UpdateTaskStatus(ctx, task.ID, model.TaskInProgress, "")
	require.ErrorIs(t, err, errDisk)
	got, err = reg.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskAssigned, got.Status)

	require.NoError(t, bus.Drain(ctx))
	assert.Empty(t, bus.History(eventbus.HistoryQuery{Kind: model.EventTaskStarted}))
	assert.Len(t, bus.History(eventbus.HistoryQuery{Kind: model.EventTaskCreated}), 1)
}
