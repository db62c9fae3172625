package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/grcgate/internal/alert"
	"github.com/nikhilbhutani/grcgate/internal/api"
	"github.com/nikhilbhutani/grcgate/internal/audit"
	"github.com/nikhilbhutani/grcgate/internal/auth"
	"github.com/nikhilbhutani/grcgate/internal/cache"
	"github.com/nikhilbhutani/grcgate/internal/config"
	"github.com/nikhilbhutani/grcgate/internal/database"
	"github.com/nikhilbhutani/grcgate/internal/queue"
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

	if err := database.RunMigrations(ctx, db); err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	// Redis only backs the permission cache and the retry queue, so the API
	// starts without it.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unavailable, running without cache", "error", err)
	}
	defer rdb.Close()
	permCache := cache.NewCache(rdb, "grcgate")

	resolver := tenant.NewResolver(tenant.NewRegistry(db), tenant.PgxConnector(cfg.Database))
	defer resolver.Close()

	alerts := alert.NewDispatcher(cfg.Alert.WebhookURL, cfg.Alert.WebhookSecret)
	defer alerts.Close()

	queueClient := queue.NewClient(cfg.Redis)
	defer queueClient.Close()

	codec := auth.NewTokenCodec(cfg.Session.Secret, cfg.Session.Issuer)
	router := api.NewRouter(cfg, api.Services{
		DB:       db,
		Redis:    permCache,
		Users:    auth.NewUsers(db),
		Verifier: auth.NewVerifier(cfg.Auth.BcryptCost),
		Sessions: session.NewStore(db, codec, session.Config{TTL: cfg.Session.TTL, IdleTimeout: cfg.Session.IdleTimeout}),
		Resolver: resolver,
		Perms:    auth.NewPermissionLoader(permCache, cfg.Auth.PermissionCacheTTL),
		Audit:    audit.NewService(db, alerts, queueClient),
	})
	defer router.Close()

	writeTimeout := 60 * time.Second
	if cfg.Server.RequestTimeout+10*time.Second > writeTimeout {
		writeTimeout = cfg.Server.RequestTimeout + 10*time.Second
	}
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router.Setup(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
