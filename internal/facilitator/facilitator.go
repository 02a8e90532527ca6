// Package facilitator scores the members of a circle against a task and
// recommends who should take it. It is pure: it reads only the roster it is
// given and never touches registry state.
package facilitator

import (
	"cmp"
	"math"
	"slices"

	"github.com/alkimya/gathering-sub003/internal/model"
)

// Default weights for competency match, availability and quality.
var DefaultWeights = Weights{Competency: 0.5, Availability: 0.3, Quality: 0.2}

// UrgentShift moves weight from quality to competency for tasks of priority
// 3 or better.
const UrgentShift = 0.1

// DefaultQuality is assumed for agents without history.
const DefaultQuality = 0.5

const scoreEpsilon = 1e-9

// Weights of the three scoring terms. They are expected to sum to 1.
type Weights struct {
	Competency   float64 `json:"competency"`
	Availability float64 `json:"availability"`
	Quality      float64 `json:"quality"`
}

// QualitySource supplies an agent's historical approval rate in [0,1].
type QualitySource interface {
	ApprovalRate(agentID int64) (float64, bool)
}

// StaticQuality is a fixed QualitySource.
type StaticQuality map[int64]float64

// ApprovalRate implements QualitySource.
func (q StaticQuality) ApprovalRate(agentID int64) (float64, bool) {
	v, ok := q[agentID]
	return v, ok
}

// Options configures a Facilitator.
type Options struct {
	// Weights overrides DefaultWeights when non-nil.
	Weights *Weights
	// MinScore is the threshold a candidate must exceed to be recommended.
	MinScore float64
}

// Facilitator ranks candidates. The zero value is not usable; call New.
type Facilitator struct {
	weights  Weights
	minScore float64
}

// New creates a Facilitator.
func New(opts Options) *Facilitator {
	w := DefaultWeights
	if opts.Weights != nil {
		w = *opts.Weights
	}
	return &Facilitator{weights: w, minScore: opts.MinScore}
}

// WeightsFor returns the weights applied to a task of the given priority.
func (f *Facilitator) WeightsFor(priority int) Weights {
	w := f.weights
	if model.IsUrgent(priority) {
		shift := math.Min(UrgentShift, w.Quality)
		w.Competency += shift
		w.Quality -= shift
	}
	return w
}

// Breakdown explains a score.
type Breakdown struct {
	CompetencyMatch float64  `json:"competency_match"`
	Availability    float64  `json:"availability"`
	Quality         float64  `json:"quality"`
	QualityKnown    bool     `json:"quality_known"`
	Matched         []string `json:"matched_competencies"`
	Weights         Weights  `json:"weights"`
	Load            int      `json:"load"`
}

// Candidate is one scored agent.
type Candidate struct {
	Agent     model.AgentHandle `json:"agent"`
	Score     float64           `json:"score"`
	Breakdown Breakdown         `json:"breakdown"`
}

// Skip records why an agent was not scored.
type Skip struct {
	AgentID int64  `json:"agent_id"`
	Reason  string `json:"reason"`
}

// Recommendation is the outcome of Recommend.
type Recommendation struct {
	TaskID int64       `json:"task_id"`
	Best   Candidate   `json:"best"`
	Ranked []Candidate `json:"ranked"`
	Skips  []Skip      `json:"skipped,omitempty"`
}

// Recommend scores every eligible agent in roster and returns the best.
// An agent is eligible when it is active, holds no current task, and shares
// at least one competency with the task (any agent qualifies when the task
// requires none). Ranking is score descending, then load ascending, then
// agent id ascending, so identical inputs always produce the same answer.
// The bool is false when nobody is eligible or the best score does not
// exceed the configured minimum; Ranked and Skips are filled either way.
func (f *Facilitator) Recommend(task model.CircleTask, roster []model.AgentHandle, quality QualitySource) (Recommendation, bool) {
	rec := Recommendation{TaskID: task.ID}
	weights := f.WeightsFor(task.Priority)

	for _, agent := range roster {
		switch {
		case !agent.Active:
			rec.Skips = append(rec.Skips, Skip{AgentID: agent.ID, Reason: "inactive"})
			continue
		case agent.CurrentTaskID != nil:
			rec.Skips = append(rec.Skips, Skip{AgentID: agent.ID, Reason: "busy"})
			continue
		}
		match, matched := competencyMatch(task.RequiredCompetencies, agent.Competencies)
		if len(task.RequiredCompetencies) > 0 && len(matched) == 0 {
			rec.Skips = append(rec.Skips, Skip{AgentID: agent.ID, Reason: "no matching competency"})
			continue
		}

		b := Breakdown{
			CompetencyMatch: match,
			Availability:    availability(agent),
			Matched:         matched,
			Weights:         weights,
			Load:            load(agent),
		}
		b.Quality, b.QualityKnown = qualityOf(quality, agent.ID)
		score := weights.Competency*b.CompetencyMatch + weights.Availability*b.Availability + weights.Quality*b.Quality
		rec.Ranked = append(rec.Ranked, Candidate{Agent: agent.Clone(), Score: score, Breakdown: b})
	}

	slices.SortStableFunc(rec.Ranked, compareCandidates)
	if len(rec.Ranked) == 0 || rec.Ranked[0].Score <= f.minScore {
		return rec, false
	}
	rec.Best = rec.Ranked[0]
	return rec, true
}

func compareCandidates(a, b Candidate) int {
	if math.Abs(a.Score-b.Score) > scoreEpsilon {
		if a.Score > b.Score {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(a.Breakdown.Load, b.Breakdown.Load); c != 0 {
		return c
	}
	return cmp.Compare(a.Agent.ID, b.Agent.ID)
}

// competencyMatch is |required ∩ held| / max(1, |required|), or 1 when
// nothing is required. Both sides are already normalized.
func competencyMatch(required, held []string) (float64, []string) {
	if len(required) == 0 {
		return 1, nil
	}
	var matched []string
	for _, r := range required {
		if slices.Contains(held, r) {
			matched = append(matched, r)
		}
	}
	return float64(len(matched)) / float64(max(1, len(required))), matched
}

// availability is binary today; busy agents never reach scoring, but the term
// stays explicit so partial load can be expressed later.
func availability(a model.AgentHandle) float64 {
	if a.CurrentTaskID == nil {
		return 1
	}
	return 0
}

func load(a model.AgentHandle) int {
	if a.CurrentTaskID != nil {
		return 1
	}
	return 0
}

func qualityOf(src QualitySource, agentID int64) (float64, bool) {
	if src == nil {
		return DefaultQuality, false
	}
	v, ok := src.ApprovalRate(agentID)
	if !ok || math.IsNaN(v) {
		return DefaultQuality, false
	}
	return math.Max(0, math.Min(1, v)), true
}

// ReviewAll in an agent's review competencies lets it review any task.
const ReviewAll = "all"

// reviewQualityWeight keeps quality a tie-breaker among reviewers of equal
// availability.
const reviewQualityWeight = 0.01

// RecommendReviewer picks who should review a task that reached in_review.
// The assignee is never eligible, and neither are inactive agents. A reviewer
// must list ReviewAll or one of the task's required competencies among its
// review competencies; a task that requires none accepts any agent with at
// least one review competency. Idle agents rank before busy ones, then
// higher quality, then lower id.
func (f *Facilitator) RecommendReviewer(task model.CircleTask, roster []model.AgentHandle, quality QualitySource) (Recommendation, bool) {
	rec := Recommendation{TaskID: task.ID}

	for _, agent := range roster {
		switch {
		case task.AssignedAgentID != nil && agent.ID == *task.AssignedAgentID:
			rec.Skips = append(rec.Skips, Skip{AgentID: agent.ID, Reason: "author"})
			continue
		case !agent.Active:
			rec.Skips = append(rec.Skips, Skip{AgentID: agent.ID, Reason: "inactive"})
			continue
		}
		matched, ok := reviewMatch(task.RequiredCompetencies, agent.ReviewCompetencies)
		if !ok {
			rec.Skips = append(rec.Skips, Skip{AgentID: agent.ID, Reason: "cannot review"})
			continue
		}

		b := Breakdown{
			Availability: availability(agent),
			Matched:      matched,
			Load:         load(agent),
		}
		b.Quality, b.QualityKnown = qualityOf(quality, agent.ID)
		score := b.Availability + reviewQualityWeight*b.Quality
		rec.Ranked = append(rec.Ranked, Candidate{Agent: agent.Clone(), Score: score, Breakdown: b})
	}

	slices.SortStableFunc(rec.Ranked, compareCandidates)
	if len(rec.Ranked) == 0 {
		return rec, false
	}
	rec.Best = rec.Ranked[0]
	return rec, true
}

func reviewMatch(required, canReview []string) ([]string, bool) {
	if slices.Contains(canReview, ReviewAll) {
		return []string{ReviewAll}, true
	}
	if len(required) == 0 {
		return nil, len(canReview) > 0
	}
	var matched []string
	for _, r := range required {
		if slices.Contains(canReview, r) {
			matched = append(matched, r)
		}
	}
	return matched, len(matched) > 0
}
