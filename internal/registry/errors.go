package registry

import (
	"errors"
	"fmt"

	"github.com/alkimya/gathering-sub003/internal/model"
)

// Sentinels for errors.Is. Every typed error below unwraps to one of them.
var (
	ErrValidation        = errors.New("registry: validation failed")
	ErrNotFound          = errors.New("registry: not found")
	ErrDuplicateName     = errors.New("registry: duplicate circle name")
	ErrDuplicateMember   = errors.New("registry: duplicate member")
	ErrInvalidTransition = errors.New("registry: invalid status transition")
	ErrConflict          = errors.New("registry: conflict")
)

// ValidationError rejects malformed input before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("registry: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing entity ("circle", "task", "agent", "member").
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("registry: %s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// DuplicateNameError is returned when an active circle already uses the name.
type DuplicateNameError struct {
	Name       string
	ExistingID int64
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("registry: circle name %q already used by circle %d", e.Name, e.ExistingID)
}

func (e *DuplicateNameError) Unwrap() error { return ErrDuplicateName }

// DuplicateMemberError is returned when the agent already belongs to the circle.
type DuplicateMemberError struct {
	CircleID int64
	AgentID  int64
}

func (e *DuplicateMemberError) Error() string {
	return fmt.Sprintf("registry: agent %d is already a member of circle %d", e.AgentID, e.CircleID)
}

func (e *DuplicateMemberError) Unwrap() error { return ErrDuplicateMember }

// InvalidTransitionError names the current and attempted status. The task is
// left unchanged.
type InvalidTransitionError struct {
	TaskID int64
	From   model.TaskStatus
	To     model.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("registry: task %d cannot move from %s to %s", e.TaskID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ConflictError reports a violated precondition, typically a lost race for
// an assignment. Callers may retry with fresh state.
type ConflictError struct {
	TaskID  int64
	AgentID int64
	Reason  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("registry: conflict on task %d / agent %d: %s", e.TaskID, e.AgentID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
