package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a row with the same key already exists, or
// when a conditional update lost to another writer.
var ErrConflict = errors.New("storage: conflict")

// SQLSTATE codes the store reacts to.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isTransient reports whether replaying the same write may succeed.
func isTransient(err error) bool {
	switch pgCode(err) {
	case codeSerializationFailure, codeDeadlockDetected:
		return true
	}
	return false
}

// classify maps constraint violations onto the package sentinels so callers
// never have to inspect pgconn errors.
func classify(err error) error {
	switch pgCode(err) {
	case codeUniqueViolation:
		return errors.Join(ErrConflict, err)
	case codeForeignKeyViolation:
		return errors.Join(ErrNotFound, err)
	}
	return err
}
