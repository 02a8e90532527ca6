package registry

import (
	"slices"

	"github.com/alkimya/gathering-sub003/internal/model"
)

// transitions is the task lifecycle. pending → assigned happens only through
// AssignTask, which also binds the agent.
var transitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskPending:    {model.TaskAssigned},
	model.TaskAssigned:   {model.TaskInProgress, model.TaskFailed},
	model.TaskInProgress: {model.TaskInReview, model.TaskCompleted, model.TaskFailed},
	model.TaskInReview:   {model.TaskCompleted, model.TaskFailed},
}

// CanTransition reports whether from → to is legal for a task whose circle
// had the given review requirement when the task was created. With review
// required, in_progress must pass through in_review; without it, in_review
// is unreachable.
func CanTransition(from, to model.TaskStatus, requiresReview bool) bool {
	if !slices.Contains(transitions[from], to) {
		return false
	}
	if from == model.TaskInProgress {
		switch to {
		case model.TaskInReview:
			return requiresReview
		case model.TaskCompleted:
			return !requiresReview
		}
	}
	return true
}

// statusEvent maps a reached status to the event it emits.
func statusEvent(s model.TaskStatus) (model.EventKind, bool) {
	switch s {
	case model.TaskAssigned:
		return model.EventTaskAssigned, true
	case model.TaskInProgress:
		return model.EventTaskStarted, true
	case model.TaskInReview:
		return model.EventTaskReviewRequested, true
	case model.TaskCompleted:
		return model.EventTaskCompleted, true
	case model.TaskFailed:
		return model.EventTaskFailed, true
	}
	return 0, false
}
