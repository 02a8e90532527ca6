package eventbus

import "github.com/alkimya/gathering-sub003/internal/model"

// Filter decides whether a subscriber sees an event. It runs before dispatch,
// on the publisher's goroutine, so it must be cheap and must not block.
type Filter interface {
	Match(model.Event) bool
}

// FilterFunc adapts a plain function to Filter.
type FilterFunc func(model.Event) bool

// Match calls f.
func (f FilterFunc) Match(e model.Event) bool { return f(e) }

// FieldFilter matches on the optional scope attributes of an event. A nil
// field matches anything; a set field requires the event to carry the same
// value.
type FieldFilter struct {
	CircleID      *int64 `json:"circle_id,omitempty"`
	ProjectID     *int64 `json:"project_id,omitempty"`
	SourceAgentID *int64 `json:"source_agent_id,omitempty"`
}

// Match implements Filter.
func (f FieldFilter) Match(e model.Event) bool {
	return eqPtr(f.CircleID, e.CircleID) &&
		eqPtr(f.ProjectID, e.ProjectID) &&
		eqPtr(f.SourceAgentID, e.SourceAgentID)
}

// IsZero reports whether the filter matches every event.
func (f FieldFilter) IsZero() bool {
	return f.CircleID == nil && f.ProjectID == nil && f.SourceAgentID == nil
}

func eqPtr(want, got *int64) bool {
	if want == nil {
		return true
	}
	return got != nil && *got == *want
}

// All matches when every filter matches. Nil entries are skipped.
func All(filters ...Filter) Filter {
	return FilterFunc(func(e model.Event) bool {
		for _, f := range filters {
			if f != nil && !f.Match(e) {
				return false
			}
		}
		return true
	})
}
