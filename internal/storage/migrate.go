package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"slices"

	"github.com/jackc/pgx/v5"
)

// migrationLock is the advisory lock key serializing schema changes between
// instances starting at the same time.
const migrationLock int64 = 0x67617468 // "gath"

// RunMigrations applies the *.sql files of fsys in name order. Each file runs
// in its own transaction together with its schema_migrations row, under an
// advisory lock, so concurrent starts apply every file exactly once. A file
// whose contents changed after it was applied is reported and not rerun.
func (db *DB) RunMigrations(ctx context.Context, fsys fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return fmt.Errorf("storage: list migrations: %w", err)
	}
	slices.Sort(names)

	applied := 0
	for _, name := range names {
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(body)
		ran, err := db.applyMigration(ctx, name, string(body), hex.EncodeToString(sum[:]))
		if err != nil {
			return err
		}
		if ran {
			applied++
		}
	}
	db.logger.Info("storage: migrations up to date", "files", len(names), "applied", applied)
	return nil
}

func (db *DB) applyMigration(ctx context.Context, name, body, checksum string) (ran bool, err error) {
	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLock); err != nil {
			return fmt.Errorf("storage: lock migrations: %w", err)
		}

		var recorded string
		err := tx.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE version = $1`, name).Scan(&recorded)
		switch {
		case err == nil:
			if recorded != "" && recorded != checksum {
				db.logger.Warn("storage: applied migration has changed on disk", "file", name)
			}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("storage: check migration %s: %w", name, err)
		}

		db.logger.Info("storage: applying migration", "file", name)
		if _, err := tx.Exec(ctx, body); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`, name, checksum,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
		ran = true
		return nil
	})
	return ran, err
}
