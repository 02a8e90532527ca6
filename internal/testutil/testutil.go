// Package testutil runs a throwaway Postgres for the integration tests.
//
//	func TestMain(m *testing.M) {
//	    pg := testutil.MustStartPostgres()
//	    db, err := pg.OpenDB(ctx, testutil.Logger())
//	    ...
//	    code := m.Run()
//	    pg.Stop()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alkimya/gathering-sub003/internal/storage"
	"github.com/alkimya/gathering-sub003/migrations"
)

const (
	postgresImage = "postgres:18-alpine"
	credential    = "gathering"
	startTimeout  = time.Minute
)

// Postgres is a running container and the DSN that reaches it.
type Postgres struct {
	container testcontainers.Container
	DSN       string
}

// StartPostgres launches a container and waits until it accepts
// connections. The ready line is logged twice: once by the init run and
// once by the real server.
func StartPostgres(ctx context.Context) (*Postgres, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     credential,
				"POSTGRES_PASSWORD": credential,
				"POSTGRES_DB":       credential,
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startTimeout),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start postgres: %w", err)
	}

	dsn, err := containerDSN(ctx, c)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, err
	}
	return &Postgres{container: c, DSN: dsn}, nil
}

func containerDSN(ctx context.Context, c testcontainers.Container) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("testutil: postgres host: %w", err)
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("testutil: postgres port: %w", err)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(credential, credential),
		Host:     net.JoinHostPort(host, port.Port()),
		Path:     "/" + credential,
		RawQuery: "sslmode=disable",
	}
	return u.String(), nil
}

// MustStartPostgres is StartPostgres for TestMain; it exits the process on
// failure.
func MustStartPostgres() *Postgres {
	pg, err := StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return pg
}

// OpenDB connects a storage.DB, including its LISTEN connection, and brings
// the schema up to date.
func (p *Postgres) OpenDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, p.DSN, p.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: open db: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("testutil: migrate: %w", err)
	}
	return db, nil
}

// Stop removes the container.
func (p *Postgres) Stop() {
	_ = p.container.Terminate(context.Background())
}

// Logger only lets warnings and errors through.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
