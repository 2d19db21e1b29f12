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

	"ferry/internal/server/api"
	"ferry/internal/server/config"
	"ferry/internal/server/database"
	"ferry/internal/server/service"
	"ferry/internal/server/storage"
)

// partialUploadAge is how long a .part file may sit untouched before
// maintenance treats it as orphaned.
const partialUploadAge = 24 * time.Hour

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_path", cfg.StoragePath,
		"buffered_upload_max", cfg.BufferedUploadMax,
		"session_ttl", cfg.SessionTTL,
		"maintenance_interval", cfg.MaintenanceInterval,
		"daemon_key_set", cfg.DaemonAPIKey != "",
	)
	if cfg.DaemonAPIKey == "" {
		slog.Warn("DAEMON_API_KEY is not set, site agents cannot authenticate")
	}

	// Run migrations
	if err := database.RunMigrations(cfg.MigrationURL()); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Connect to database
	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	store := storage.NewFileSystemStore(cfg.StoragePath)
	if err := store.EnsureDir(); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("staging storage initialized", "path", cfg.StoragePath)

	// Initialize repository and services
	repo := database.NewRepository(db)
	tracker := service.NewUploadTracker()
	ledger := service.NewLedgerService(repo)
	registry := service.NewRegistryService(repo, store, tracker)
	auth := service.NewAuthService(repo, cfg.SessionTTL, cfg.SessionCacheSize, cfg.SessionCacheTTL)
	reconcile := service.NewReconcileService(repo, registry, ledger, store)
	svc := api.Services{
		Registry:  registry,
		Ingest:    service.NewIngestService(repo, ledger, store, tracker),
		Ledger:    ledger,
		Sites:     service.NewSiteService(repo),
		Auth:      auth,
		Reconcile: reconcile,
		Tracker:   tracker,
	}

	// Start maintenance service
	maintCtx, maintCancel := context.WithCancel(context.Background())
	maintenance := storage.NewMaintenanceService(reconcile, auth, store, cfg.MaintenanceInterval, partialUploadAge)
	maintenance.Start(maintCtx)

	// Setup HTTP router
	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Stop()
	handler := api.NewHandler(svc, db, cfg)
	e := api.SetupRouter(handler, api.NewAuthenticator(auth, cfg.DaemonAPIKey), limiter, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop maintenance service
	maintCancel()
	maintenance.Wait()

	slog.Info("server exited cleanly")
}
