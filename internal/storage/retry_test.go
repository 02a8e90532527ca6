package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pgErr(code string) error {
	return fmt.Errorf("storage: assign task 1: %w", &pgconn.PgError{Code: code})
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(pgErr(codeSerializationFailure)))
	assert.True(t, isTransient(pgErr(codeDeadlockDetected)))
	assert.False(t, isTransient(pgErr(codeUniqueViolation)))
	assert.False(t, isTransient(errors.New("connection refused")))
	assert.False(t, isTransient(nil))
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(pgErr(codeUniqueViolation)), ErrConflict)
	assert.ErrorIs(t, classify(pgErr(codeForeignKeyViolation)), ErrNotFound)

	other := pgErr("22001")
	assert.Equal(t, other, classify(other))
}

func TestBackoff(t *testing.T) {
	p := retryPolicy{maxRetries: 3, baseDelay: 10 * time.Millisecond}
	for n := range 3 {
		d := p.backoff(n)
		floor := p.baseDelay << n
		assert.GreaterOrEqual(t, d, floor, "attempt %d", n)
		assert.Less(t, d, floor+p.baseDelay, "attempt %d", n)
	}
	assert.Zero(t, retryPolicy{}.backoff(2))
}

func newRetryDB(maxRetries int) *DB {
	return &DB{
		logger: slog.New(slog.DiscardHandler),
		retry:  retryPolicy{maxRetries: maxRetries, baseDelay: time.Microsecond},
	}
}

func TestWrite_ReplaysTransientErrors(t *testing.T) {
	db := newRetryDB(3)
	calls := 0
	err := db.write(context.Background(), "assign task", func() error {
		calls++
		if calls < 3 {
			return pgErr(codeSerializationFailure)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWrite_GivesUpAfterMaxRetries(t *testing.T) {
	db := newRetryDB(2)
	calls := 0
	err := db.write(context.Background(), "assign task", func() error {
		calls++
		return pgErr(codeDeadlockDetected)
	})
	require.Error(t, err)
	assert.True(t, isTransient(err))
	assert.Equal(t, 3, calls, "one attempt plus two replays")
}

func TestWrite_DoesNotReplayPermanentErrors(t *testing.T) {
	db := newRetryDB(3)
	calls := 0
	err := db.write(context.Background(), "create circle", func() error {
		calls++
		return classify(pgErr(codeUniqueViolation))
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, calls)
}

func TestWrite_StopsOnCancel(t *testing.T) {
	db := newRetryDB(5)
	db.retry.baseDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := db.write(ctx, "save agent", func() error {
		calls++
		cancel()
		return pgErr(codeSerializationFailure)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestSetRetry(t *testing.T) {
	db := newRetryDB(3)
	db.SetRetry(-1, 0)
	assert.Zero(t, db.retry.maxRetries)
	assert.Equal(t, time.Microsecond, db.retry.baseDelay, "non-positive delay keeps the current one")

	db.SetRetry(5, time.Second)
	assert.Equal(t, 5, db.retry.maxRetries)
	assert.Equal(t, time.Second, db.retry.baseDelay)
}
