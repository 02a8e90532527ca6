package storage

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// retryPolicy bounds how often a write that lost a serialization or deadlock
// race is replayed.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
}

var defaultRetry = retryPolicy{maxRetries: 3, baseDelay: 10 * time.Millisecond}

// backoff is the wait before replay n (0-based): baseDelay doubled n times
// plus up to one baseDelay of jitter.
func (p retryPolicy) backoff(n int) time.Duration {
	d := p.baseDelay << n
	if p.baseDelay > 0 {
		d += time.Duration(rand.Int64N(int64(p.baseDelay))) //nolint:gosec // jitter
	}
	return d
}

// SetRetry overrides the retry policy for writes. maxRetries of zero
// disables replays.
func (db *DB) SetRetry(maxRetries int, baseDelay time.Duration) {
	db.retry.maxRetries = max(maxRetries, 0)
	if baseDelay > 0 {
		db.retry.baseDelay = baseDelay
	}
}

// write runs fn and replays it while Postgres reports a transient conflict.
// op names the registry operation in logs and the retry counter.
func (db *DB) write(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isTransient(err) || attempt >= db.retry.maxRetries {
			return err
		}
		if db.retries != nil {
			db.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		}
		db.logger.Debug("storage: replaying write", "op", op, "attempt", attempt+1, "error", err)

		t := time.NewTimer(db.retry.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// inTx runs fn in one transaction under the write retry policy. A returned
// error rolls the transaction back; fn must not commit itself.
func (db *DB) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	return db.write(ctx, op, func() error {
		return pgx.BeginFunc(ctx, db.pool, fn)
	})
}
