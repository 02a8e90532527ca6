package eventbus

import (
	"fmt"

	"github.com/alkimya/gathering-sub003/internal/model"
)

// HandlerError records a subscriber failure. It never reaches the publisher;
// it is logged, counted, and reported through Dispatch.Wait.
type HandlerError struct {
	SubscriptionID string
	Subscriber     string
	EventID        string
	Kind           model.EventKind
	Err            error
	// Panicked is set when the handler panicked instead of returning an error.
	Panicked bool
	Stack    string
}

func (e *HandlerError) Error() string {
	verb := "failed"
	if e.Panicked {
		verb = "panicked"
	}
	return fmt.Sprintf("eventbus: handler %s %s on %s event %s: %v", e.Subscriber, verb, e.Kind, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
