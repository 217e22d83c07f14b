// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github-pr-tracker/internal/api"
	"github-pr-tracker/internal/config"
	"github-pr-tracker/internal/database"
	"github-pr-tracker/internal/github"
	"github-pr-tracker/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully", "repos", len(cfg.ReposToSync), "http_addr", cfg.HTTPAddr)

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := database.Connect(ctx, cfg.PoolConfig())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := database.Migrate(cfg.DBURL, cfg.MigrationsPath); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	store := database.NewStore(dbpool)
	health := database.NewHealthChecker(dbpool, cfg.HealthCheckTimeout, logger)
	ghClient := github.NewClient(cfg.GithubToken, logger)
	if cfg.GithubAPIURL != "" {
		if err := ghClient.SetBaseURL(cfg.GithubAPIURL); err != nil {
			return err
		}
	}
	appSyncer, err := syncer.NewSyncer(store.Queries(), store, ghClient, logger, syncer.Options{
		Repos:        cfg.ReposToSync,
		Interval:     cfg.SyncInterval,
		DefaultSince: cfg.DefaultSyncSinceTime,
		Concurrency:  cfg.SyncConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to create syncer: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(store.Queries(), health, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 6. Start background work
	done := make(chan struct{}, 2)
	go func() {
		health.Watch(ctx, cfg.HealthCheckInterval)
		done <- struct{}{}
	}()
	go func() {
		appSyncer.Start(ctx)
		done <- struct{}{}
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// 7. Wait for shutdown signal
	logger.Info("Application started. Waiting for shutdown signal...")
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received. Exiting.")
	case err := <-serverErr:
		cancel()
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	// Give background loops a chance to finish their current pass.
	for i := 0; i < cap(done); i++ {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn("Background tasks did not stop before the shutdown timeout")
			return nil
		}
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
