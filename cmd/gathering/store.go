package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alkimya/gathering-sub003/internal/config"
	"github.com/alkimya/gathering-sub003/internal/registry"
	"github.com/alkimya/gathering-sub003/internal/storage"
	"github.com/alkimya/gathering-sub003/internal/storage/memory"
	"github.com/alkimya/gathering-sub003/internal/storage/sqlite"
	"github.com/alkimya/gathering-sub003/migrations"
)

// backend is the storage collaborator selected by GATHERING_STORE.
type backend struct {
	store registry.Store
	// pinger is nil for the memory store, which is always healthy.
	pinger interface {
		Ping(ctx context.Context) error
	}
	// pg is set for the Postgres store; it also carries LISTEN/NOTIFY.
	pg    *storage.DB
	close func(ctx context.Context)
}

// openBackend connects to the configured store. With migrate set, pending
// Postgres migrations are applied first; SQLite always migrates on open.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger, migrate bool) (*backend, error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if migrate {
			if err := db.RunMigrations(ctx, migrations.FS); err != nil {
				db.Close(ctx)
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}
		logger.Info("store: postgres", "notify", db.NotifyConn() != nil)
		return &backend{store: db, pinger: db, pg: db, close: db.Close}, nil

	case config.StoreSQLite:
		// Open applies pending migrations itself.
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("store: sqlite", "path", cfg.SQLitePath)
		return &backend{store: s, pinger: s, close: func(context.Context) { _ = s.Close() }}, nil

	default:
		logger.Info("store: memory (state is lost on restart)")
		return &backend{store: memory.New(), close: func(context.Context) {}}, nil
	}
}
