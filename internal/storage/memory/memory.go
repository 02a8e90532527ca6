// Package memory is a process-local registry store. It keeps no state across
// restarts and is the default when no database is configured.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/alkimya/gathering-sub003/internal/model"
	"github.com/alkimya/gathering-sub003/internal/storage"
)

type memberKey struct {
	circleID int64
	agentID  int64
}

// Store implements registry.Store with maps guarded by a mutex.
type Store struct {
	mu      sync.Mutex
	circles map[int64]model.Circle
	agents  map[int64]model.AgentHandle
	members map[memberKey]model.Member
	joinSeq map[memberKey]int64
	seq     int64
	tasks   map[int64]model.CircleTask
}

// New returns an empty store.
func New() *Store {
	return &Store{
		circles: make(map[int64]model.Circle),
		agents:  make(map[int64]model.AgentHandle),
		members: make(map[memberKey]model.Member),
		joinSeq: make(map[memberKey]int64),
		tasks:   make(map[int64]model.CircleTask),
	}
}

// CreateCircle stores a new circle. A reused id yields storage.ErrConflict.
func (s *Store) CreateCircle(_ context.Context, c model.Circle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.circles[c.ID]; ok {
		return storage.ErrConflict
	}
	s.circles[c.ID] = c.Clone()
	return nil
}

// UpdateCircle replaces a stored circle.
func (s *Store) UpdateCircle(_ context.Context, c model.Circle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.circles[c.ID]; !ok {
		return storage.ErrNotFound
	}
	s.circles[c.ID] = c.Clone()
	return nil
}

// AddMember records a membership and upserts the member's agent handle.
func (s *Store) AddMember(_ context.Context, m model.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.circles[m.CircleID]; !ok {
		return storage.ErrNotFound
	}
	key := memberKey{m.CircleID, m.ID}
	if _, ok := s.members[key]; ok {
		return storage.ErrConflict
	}
	s.agents[m.ID] = m.AgentHandle.Clone()
	m.AgentHandle = model.AgentHandle{ID: m.ID}
	s.members[key] = m
	s.seq++
	s.joinSeq[key] = s.seq
	return nil
}

// RemoveMember deletes a membership. The agent handle is kept.
func (s *Store) RemoveMember(_ context.Context, circleID, agentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{circleID, agentID}
	if _, ok := s.members[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.members, key)
	delete(s.joinSeq, key)
	return nil
}

// SaveAgent replaces a known agent handle.
func (s *Store) SaveAgent(_ context.Context, a model.AgentHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return storage.ErrNotFound
	}
	s.agents[a.ID] = a.Clone()
	return nil
}

// CreateTask stores a new task in an existing circle.
func (s *Store) CreateTask(_ context.Context, t model.CircleTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.circles[t.CircleID]; !ok {
		return storage.ErrNotFound
	}
	if _, ok := s.tasks[t.ID]; ok {
		return storage.ErrConflict
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// SaveAssignment writes the assigned task and its agent together.
func (s *Store) SaveAssignment(_ context.Context, t model.CircleTask, a model.AgentHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return storage.ErrNotFound
	}
	if _, ok := s.agents[a.ID]; !ok {
		return storage.ErrNotFound
	}
	s.tasks[t.ID] = t.Clone()
	s.agents[a.ID] = a.Clone()
	return nil
}

// SaveTaskStatus writes the task and, when non-nil, the released agent.
func (s *Store) SaveTaskStatus(_ context.Context, t model.CircleTask, agent *model.AgentHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return storage.ErrNotFound
	}
	s.tasks[t.ID] = t.Clone()
	if agent != nil {
		s.agents[agent.ID] = agent.Clone()
	}
	return nil
}

// Load returns a snapshot with members in join order and everything else
// ordered by id.
func (s *Store) Load(_ context.Context) (model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap model.Snapshot
	for _, c := range s.circles {
		snap.Circles = append(snap.Circles, c.Clone())
	}
	slices.SortFunc(snap.Circles, func(a, b model.Circle) int { return cmp.Compare(a.ID, b.ID) })

	for _, a := range s.agents {
		snap.Agents = append(snap.Agents, a.Clone())
	}
	slices.SortFunc(snap.Agents, func(a, b model.AgentHandle) int { return cmp.Compare(a.ID, b.ID) })

	keys := make([]memberKey, 0, len(s.members))
	for k := range s.members {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b memberKey) int { return cmp.Compare(s.joinSeq[a], s.joinSeq[b]) })
	for _, k := range keys {
		snap.Members = append(snap.Members, s.members[k])
	}

	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, t.Clone())
	}
	slices.SortFunc(snap.Tasks, func(a, b model.CircleTask) int { return cmp.Compare(a.ID, b.ID) })
	return snap, nil
}
