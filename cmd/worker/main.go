package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/grcgate/internal/auth"
	"github.com/nikhilbhutani/grcgate/internal/config"
	"github.com/nikhilbhutani/grcgate/internal/database"
	"github.com/nikhilbhutani/grcgate/internal/queue"
	"github.com/nikhilbhutani/grcgate/internal/queue/workers"
	"github.com/nikhilbhutani/grcgate/internal/session"
	"github.com/nikhilbhutani/grcgate/internal/tenant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Server.LogLevel}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	resolver := tenant.NewResolver(tenant.NewRegistry(db), tenant.PgxConnector(cfg.Database))
	defer resolver.Close()

	// The sweep never issues tokens; the codec is only needed to build the store.
	codec := auth.NewTokenCodec(cfg.Session.Secret, cfg.Session.Issuer)
	sessions := session.NewStore(db, codec, session.Config{TTL: cfg.Session.TTL, IdleTimeout: cfg.Session.IdleTimeout})

	redisOpt := queue.RedisOpt(cfg.Redis)
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})

	registry := queue.NewHandlersRegistry()
	registry.Register(queue.TypeAuditRetry, asynq.HandlerFunc(workers.NewAuditRetryWorker(resolver).ProcessTask))
	registry.Register(queue.TypeSessionSweep, asynq.HandlerFunc(workers.NewSessionSweepWorker(sessions).ProcessTask))

	scheduler, err := queue.NewSweepScheduler(redisOpt, "@every "+cfg.Worker.SweepInterval.String())
	if err != nil {
		slog.Error("failed to register session sweep", "error", err)
		os.Exit(1)
	}

	if err := scheduler.Start(); err != nil {
		slog.Error("scheduler error", "error", err)
		os.Exit(1)
	}
	defer scheduler.Shutdown()

	slog.Info("starting worker", "concurrency", cfg.Worker.Concurrency, "sweep_interval", cfg.Worker.SweepInterval)
	if err := srv.Start(registry.Mux()); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	srv.Shutdown()
	slog.Info("worker stopped")
}
