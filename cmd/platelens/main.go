// PlateLens server: accepts menu photo uploads, runs the staged
// enrichment pipeline, manages the queue workers, and serves the
// session event stream.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/platelens/platelens/pkg/api"
	"github.com/platelens/platelens/pkg/bus"
	"github.com/platelens/platelens/pkg/config"
	"github.com/platelens/platelens/pkg/database"
	"github.com/platelens/platelens/pkg/enrich"
	"github.com/platelens/platelens/pkg/events"
	"github.com/platelens/platelens/pkg/pipeline"
	"github.com/platelens/platelens/pkg/providers"
	"github.com/platelens/platelens/pkg/store"
	"github.com/platelens/platelens/pkg/worker"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// resolvePodID determines the process identifier for logs and worker ids.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	podID := resolvePodID()

	// 1. Configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting PlateLens", "http_port", cfg.HTTPPort, "pod_id", podID)

	ctx := context.Background()

	// 2. Database (runs migrations on connect)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// 3. Message bus
	busClient, err := bus.NewClient(ctx, bus.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		slog.Error("Failed to connect to message bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := busClient.Close(); err != nil {
			slog.Error("Error closing bus client", "error", err)
		}
	}()
	slog.Info("Connected to message bus", "addr", cfg.Redis.Addr)

	// 4. Stores, events, locks, queues
	sessionStore := store.NewSessionStore(dbClient.Pool())
	itemStore := store.NewItemStore(dbClient.Pool())
	publisher := events.NewPublisher(busClient)
	subscriber := events.NewSubscriber(busClient)
	gateway := events.NewGateway(subscriber, sessionStore, heartbeatInterval)
	locker := bus.NewLocker(busClient)
	queue := bus.NewQueue(busClient)

	// 5. Providers (stubs unless real adapters are configured)
	providerSet := providers.StubSet(nil)
	slog.Info("Providers initialized", "mode", "stub")

	// 6. Pipeline coordinator and task runner
	coordinator := pipeline.NewCoordinator(sessionStore, itemStore, publisher, queue, providerSet)
	tasks := enrich.NewTasks(providerSet, itemStore, locker, publisher, cfg.Queue, os.Getenv("TARGET_LANGUAGE"))

	// 7. Worker pool (before HTTP, so queued jobs drain immediately)
	pool := worker.NewPool(podID, queue, tasks, cfg.Queue)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 8. HTTP server
	server := api.NewServer(":"+cfg.HTTPPort, coordinator, sessionStore, itemStore, gateway, dbClient, busClient, pool)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("PlateLens started successfully",
		"pod_id", podID,
		"workers_per_queue", cfg.Queue.WorkersPerQueue)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: drain workers first, then HTTP
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, abandoning in-flight jobs")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
