package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alkimya/gathering-sub003/internal/model"
)

// DeliveryReport summarizes one event's fan-out.
type DeliveryReport struct {
	Delivered int
	Failed    int
	Errors    []*HandlerError
}

// Dispatch tracks the handlers started by a single Publish call.
type Dispatch struct {
	EventID      string
	Kind         model.EventKind
	Deduplicated bool

	wg        sync.WaitGroup
	delivered atomic.Int64

	mu     sync.Mutex
	errors []*HandlerError
}

func (d *Dispatch) fail(err *HandlerError) {
	d.mu.Lock()
	d.errors = append(d.errors, err)
	d.mu.Unlock()
}

// Wait blocks until every handler for this event has returned.
func (d *Dispatch) Wait() DeliveryReport {
	d.wg.Wait()
	return d.report()
}

// WaitContext is Wait bounded by ctx. On timeout the report reflects the
// handlers finished so far.
func (d *Dispatch) WaitContext(ctx context.Context) (DeliveryReport, error) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return d.report(), nil
	case <-ctx.Done():
		return d.report(), ctx.Err()
	}
}

func (d *Dispatch) report() DeliveryReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	errs := make([]*HandlerError, len(d.errors))
	copy(errs, d.errors)
	return DeliveryReport{
		Delivered: int(d.delivered.Load()),
		Failed:    len(errs),
		Errors:    errs,
	}
}
