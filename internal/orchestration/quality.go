package orchestration

import (
	"context"
	"sync"

	"github.com/alkimya/gathering-sub003/internal/eventbus"
	"github.com/alkimya/gathering-sub003/internal/model"
)

// AgentMetrics counts finished tasks per agent.
type AgentMetrics struct {
	AgentID   int64    `json:"agent_id"`
	Completed int      `json:"tasks_completed"`
	Failed    int      `json:"tasks_failed"`
	Seed      *float64 `json:"seed_rate,omitempty"`
}

// ApprovalRate is completed / (completed + failed). Without any finished
// task it falls back to the seed, if one was given.
func (m AgentMetrics) ApprovalRate() (float64, bool) {
	total := m.Completed + m.Failed
	if total == 0 {
		if m.Seed != nil {
			return *m.Seed, true
		}
		return 0, false
	}
	return float64(m.Completed) / float64(total), true
}

// QualityTracker derives approval rates from TASK_COMPLETED and TASK_FAILED
// events. It implements facilitator.QualitySource.
type QualityTracker struct {
	mu      sync.RWMutex
	metrics map[int64]*AgentMetrics
	subs    []string
}

// NewQualityTracker returns an empty tracker. Call Attach to start counting.
func NewQualityTracker() *QualityTracker {
	return &QualityTracker{metrics: make(map[int64]*AgentMetrics)}
}

// Attach subscribes the tracker to terminal task events on bus.
func (q *QualityTracker) Attach(bus *eventbus.Bus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = append(q.subs,
		bus.Subscribe(model.EventTaskCompleted, q.onFinished, eventbus.WithName("quality-completed")),
		bus.Subscribe(model.EventTaskFailed, q.onFinished, eventbus.WithName("quality-failed")),
	)
}

// Detach removes the tracker's subscriptions.
func (q *QualityTracker) Detach(bus *eventbus.Bus) {
	q.mu.Lock()
	subs := q.subs
	q.subs = nil
	q.mu.Unlock()
	for _, id := range subs {
		bus.Unsubscribe(id)
	}
}

func (q *QualityTracker) onFinished(_ context.Context, e model.Event) error {
	agentID, ok := e.Int64("agent_id")
	if !ok {
		return nil
	}
	q.Record(agentID, e.Kind == model.EventTaskCompleted)
	return nil
}

// Record counts one finished task.
func (q *QualityTracker) Record(agentID int64, completed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.get(agentID)
	if completed {
		m.Completed++
	} else {
		m.Failed++
	}
}

// Replay counts the terminal tasks among tasks, so approval rates survive a
// restart. Tasks without an assignee are ignored.
func (q *QualityTracker) Replay(tasks []model.CircleTask) int {
	n := 0
	for _, t := range tasks {
		if t.AssignedAgentID == nil || !t.Status.IsTerminal() {
			continue
		}
		q.Record(*t.AssignedAgentID, t.Status == model.TaskCompleted)
		n++
	}
	return n
}

// Seed sets the rate assumed until the agent finishes its first task.
func (q *QualityTracker) Seed(agentID int64, rate float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.get(agentID).Seed = &rate
}

func (q *QualityTracker) get(agentID int64) *AgentMetrics {
	m, ok := q.metrics[agentID]
	if !ok {
		m = &AgentMetrics{AgentID: agentID}
		q.metrics[agentID] = m
	}
	return m
}

// ApprovalRate implements facilitator.QualitySource.
func (q *QualityTracker) ApprovalRate(agentID int64) (float64, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	m, ok := q.metrics[agentID]
	if !ok {
		return 0, false
	}
	return m.ApprovalRate()
}

// Metrics returns a copy of one agent's counters.
func (q *QualityTracker) Metrics(agentID int64) (AgentMetrics, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	m, ok := q.metrics[agentID]
	if !ok {
		return AgentMetrics{AgentID: agentID}, false
	}
	out := *m
	if m.Seed != nil {
		s := *m.Seed
		out.Seed = &s
	}
	return out, true
}
