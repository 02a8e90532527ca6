// Package storage provides the PostgreSQL storage collaborator for the
// circle registry.
//
// Queries go through a pgxpool (PgBouncer-friendly: no session state is
// relied on outside a transaction). Event fan-out across processes uses a
// separate direct connection for LISTEN, reopened when it drops. Subpackages
// hold the in-memory and SQLite implementations of registry.Store.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/alkimya/gathering-sub003/internal/telemetry"
)

const applicationName = "gathering"

// DB is the Postgres registry.Store. It is safe for concurrent use.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	retry   retryPolicy
	retries metric.Int64Counter

	// notifyMu guards notifyConn and listening. The connection is only
	// swapped under the lock; waits run on a snapshot of the pointer.
	notifyMu   sync.Mutex
	notifyDSN  string
	notifyConn *pgx.Conn
	listening  []string
}

// New connects the query pool and, when notifyDSN is set, the LISTEN
// connection. poolDSN may point at PgBouncer; notifyDSN must reach Postgres
// directly because LISTEN is session state.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{
		pool:      pool,
		logger:    logger,
		retry:     defaultRetry,
		notifyDSN: notifyDSN,
	}
	if notifyDSN != "" {
		if db.notifyConn, err = connectNotify(ctx, notifyDSN); err != nil {
			pool.Close()
			return nil, err
		}
	}
	db.registerMetrics()
	return db, nil
}

func connectNotify(ctx context.Context, dsn string) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse notify DSN: %w", err)
	}
	cfg.RuntimeParams["application_name"] = applicationName + "-listen"
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect notify: %w", err)
	}
	return conn, nil
}

func (db *DB) registerMetrics() {
	meter := telemetry.Meter("gathering/storage")
	db.retries, _ = meter.Int64Counter("gathering.storage.write_retries",
		metric.WithDescription("Writes replayed after a serialization failure or deadlock"))
	_, _ = meter.Int64ObservableGauge("gathering.storage.pool_connections",
		metric.WithDescription("Connections held by the query pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}))
	_, _ = meter.Int64ObservableGauge("gathering.storage.pool_acquired",
		metric.WithDescription("Pool connections currently in use"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}))
}

// NotifyConn returns the LISTEN connection, or nil when NOTIFY_URL is unset.
func (db *DB) NotifyConn() *pgx.Conn {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	return db.notifyConn
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the pool and the LISTEN connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()

	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyConn = nil
	db.notifyDSN = ""
	db.notifyMu.Unlock()

	if conn != nil {
		if err := conn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
