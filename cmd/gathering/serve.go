package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alkimya/gathering-sub003/internal/config"
	"github.com/alkimya/gathering-sub003/internal/eventbus"
	"github.com/alkimya/gathering-sub003/internal/facilitator"
	"github.com/alkimya/gathering-sub003/internal/mcp"
	"github.com/alkimya/gathering-sub003/internal/orchestration"
	"github.com/alkimya/gathering-sub003/internal/ratelimit"
	"github.com/alkimya/gathering-sub003/internal/registry"
	"github.com/alkimya/gathering-sub003/internal/seed"
	"github.com/alkimya/gathering-sub003/internal/server"
	"github.com/alkimya/gathering-sub003/internal/storage"
	"github.com/alkimya/gathering-sub003/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var seedFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if seedFile != "" {
				cfg.SeedFile = seedFile
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed", "", "YAML file of circles, members and tasks to apply at startup (overrides GATHERING_SEED_FILE)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	b, err := openBackend(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		b.close(closeCtx)
	}()

	bus := eventbus.New(eventbus.Options{
		HistorySize:           cfg.EventHistorySize,
		MaxConcurrentHandlers: int64(cfg.MaxConcurrentHandlers),
		DedupWindow:           cfg.EventDedupWindow,
	}, logger)

	reg := registry.New(b.store, bus, logger)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	circles, tasks := reg.Counts()
	logger.Info("registry loaded", "circles", circles, "tasks", tasks)

	facade := orchestration.New(orchestration.Deps{
		Registry:    reg,
		Facilitator: facilitator.New(facilitator.Options{MinScore: cfg.RouteMinScore}),
		Bus:         bus,
		Logger:      logger,
	})
	facade.Start()

	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			facade.Stop()
			return err
		}
		var opts []seed.Option
		if tracker := facade.Tracker(); tracker != nil {
			opts = append(opts, seed.WithQuality(tracker))
		}
		res, err := seed.Apply(ctx, reg, f, logger, opts...)
		if err != nil {
			facade.Stop()
			return err
		}
		logger.Info("seed applied", "file", cfg.SeedFile,
			"circles_created", res.CirclesCreated, "circles_skipped", res.CirclesSkipped,
			"members_added", res.MembersAdded, "tasks_created", res.TasksCreated,
			"quality_seeded", res.QualitySeeded)
	}

	g, gctx := errgroup.WithContext(ctx)

	// With a Postgres notify connection, every instance publishes its bus
	// events through NOTIFY and streams SSE from LISTEN, so subscribers see
	// events from all instances. Otherwise the broker reads the local bus.
	broker := server.NewBroker(logger)
	var relay *storage.Relay
	if b.pg != nil && b.pg.NotifyConn() != nil {
		relay = storage.NewRelay(b.pg, storage.ChannelEvents, logger)
		relay.Attach(bus)
		g.Go(func() error {
			broker.Start(gctx, b.pg, storage.ChannelEvents)
			return nil
		})
	} else {
		broker.Attach(bus)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	srv := server.New(server.Config{
		Registry:            reg,
		Facade:              facade,
		Bus:                 bus,
		Logger:              logger,
		Broker:              broker,
		MCPServer:           mcp.New(reg, bus, logger, version).MCPServer(),
		Limiter:             limiter,
		TrustProxy:          cfg.TrustProxy,
		Store:               b.pinger,
		StoreName:           cfg.Store,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	logger.Info("gathering started", "version", version, "port", cfg.Port, "store", cfg.Store)

	// Wait for a shutdown signal or a failed component.
	<-gctx.Done()
	logger.Info("gathering shutting down")

	// Each phase gets its own timeout so early completion doesn't steal
	// budget from later phases. Stop taking requests first, then let
	// in-flight routing and event delivery finish.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	facade.Stop()

	busCtx, busCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := bus.Drain(busCtx); err != nil {
		logger.Warn("event bus drain incomplete", "error", err, "in_flight", bus.Stats().InFlight)
	}
	busCancel()

	if relay != nil {
		relay.Detach(bus)
	} else {
		broker.Detach(bus)
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("gathering stopped")
	return nil
}
