package registry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/alkimya/gathering-sub003/internal/telemetry"
)

// Span attribute keys set on the caller's span by task operations.
const (
	attrTaskID   = attribute.Key("gathering.task_id")
	attrCircleID = attribute.Key("gathering.circle_id")
	attrAgentID  = attribute.Key("gathering.agent_id")
)

type instruments struct {
	transitions metric.Int64Counter
	conflicts   metric.Int64Counter
	rejections  metric.Int64Counter
}

func newInstruments() instruments {
	meter := telemetry.Meter("gathering/registry")
	var inst instruments
	inst.transitions, _ = meter.Int64Counter("gathering.registry.transitions",
		metric.WithDescription("Task status transitions by source and target status"))
	inst.conflicts, _ = meter.Int64Counter("gathering.registry.conflicts",
		metric.WithDescription("Assignments refused because a precondition no longer held"))
	inst.rejections, _ = meter.Int64Counter("gathering.registry.rejections",
		metric.WithDescription("Mutations rejected before any state change, by operation and kind"))
	return inst
}

// rejectionKind maps a registry error onto a low-cardinality label. Store
// failures are reported as "store".
func rejectionKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateName), errors.Is(err, ErrDuplicateMember):
		return "duplicate"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "store"
	}
}

// rejected counts err against op and returns it unchanged.
func (r *Registry) rejected(ctx context.Context, op string, err error) error {
	kind := rejectionKind(err)
	r.inst.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("kind", kind),
	))
	if kind == "conflict" {
		r.inst.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
	return err
}

func (r *Registry) transitioned(ctx context.Context, from, to string) {
	r.inst.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func annotate(ctx context.Context, kvs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(kvs...)
}
