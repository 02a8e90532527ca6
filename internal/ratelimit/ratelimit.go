// Package ratelimit throttles callers of the HTTP API. Agents poll their
// circles through MCP far more often than operators call the REST API, so
// the two surfaces are budgeted under separate keys.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Remaining is the number of whole requests left in the bucket.
	Remaining int
	// RetryAfter is how long until the next request would be allowed. Zero
	// when Allowed.
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key should proceed.
// Implementations must be safe for concurrent use. An error means the
// limiter itself failed; callers let the request through.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}
