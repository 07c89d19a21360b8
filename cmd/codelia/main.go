// Codelia execution core server: serves the session and run HTTP API and
// executes agent runs, either in-process or through the Postgres-backed
// worker pool.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/codelia/codelia/pkg/agentpool"
	"github.com/codelia/codelia/pkg/api"
	"github.com/codelia/codelia/pkg/cleanup"
	"github.com/codelia/codelia/pkg/config"
	"github.com/codelia/codelia/pkg/database"
	"github.com/codelia/codelia/pkg/events"
	"github.com/codelia/codelia/pkg/models"
	"github.com/codelia/codelia/pkg/sandbox"
	"github.com/codelia/codelia/pkg/scheduler"
	"github.com/codelia/codelia/pkg/services"
	"github.com/codelia/codelia/pkg/sessionstore"
	"github.com/codelia/codelia/pkg/storage"
	"github.com/codelia/codelia/pkg/version"
)

const (
	apiShutdownTimeout    = 10 * time.Second
	workerShutdownGrace   = 30 * time.Second
	streamingWriteTimeout = 10 * time.Second
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	envFile := flag.String("env-file",
		getEnv("CODELIA_ENV_FILE", ".env"),
		"Path to .env file")
	flag.Parse()

	// Load .env before anything reads the environment
	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	gin.SetMode(gin.ReleaseMode)

	// 1. Resolve configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	backend := "memory"
	if cfg.DatabaseURL != "" {
		backend = "postgres"
	}
	slog.Info("Starting codelia",
		"version", version.Full(),
		"http_addr", cfg.HTTPAddr,
		"worker_id", cfg.WorkerID,
		"role", cfg.Role,
		"backend", backend)

	ctx := context.Background()

	// 2. Lay out the state directory
	layout, err := storage.NewLayout(cfg.StateDir)
	if err != nil {
		slog.Error("Failed to create state directory", "error", err)
		os.Exit(1)
	}

	// 3. Open the session store
	var (
		store    sessionstore.Store
		dbClient *database.Client
	)
	if cfg.DatabaseURL != "" {
		dbClient, err = database.NewClient(ctx, database.ConfigFromEnv(cfg.DatabaseURL))
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		store = sessionstore.NewPostgresStore(dbClient.DB())
		slog.Info("Connected to PostgreSQL database, migrations applied")
	} else {
		sessionsDir, err := layout.SessionsDir()
		if err != nil {
			slog.Error("Failed to create sessions directory", "error", err)
			os.Exit(1)
		}
		fileStore, err := sessionstore.NewFileStore(sessionsDir, nil)
		if err != nil {
			slog.Error("Failed to open session store", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := fileStore.Close(); err != nil {
				slog.Error("Error closing session store", "error", err)
			}
		}()
		store = fileStore
		slog.Info("Session snapshots on filesystem", "dir", sessionsDir)
	}

	// 4. Agent pool over sandboxes and runtime settings
	settings := config.NewSettingsStore(cfg.SettingsFile, nil)
	sandboxes := sandbox.NewManager(cfg.SandboxRoot, cfg.SandboxTTL, nil)
	pool := agentpool.NewPool(store, sandboxes, echoFactory(), settings)
	pool.Start()
	slog.Info("Agent pool started", "sandbox_root", cfg.SandboxRoot)

	// 5. Debounced session saver
	saver := sessionstore.NewDebouncedSaver(store, sessionstore.DefaultSaveDebounce, nil)

	// 6. Scheduler backend and event streaming
	var (
		sched       scheduler.Scheduler
		pgSched     *scheduler.PostgresScheduler
		connManager *events.ConnectionManager
		listener    *events.Listener
	)
	if dbClient != nil {
		publisher := events.NewPublisher(dbClient.DB())
		pgSched = scheduler.NewPostgresScheduler(dbClient.DB(), pool, publisher)
		sched = pgSched

		connManager = events.NewConnectionManager(pgSched, streamingWriteTimeout, nil)
		listener = events.NewListener(dbClient.URL(), connManager.Broadcast, nil)
		if err := listener.Start(ctx); err != nil {
			slog.Error("Failed to start notification listener", "error", err)
			os.Exit(1)
		}
		connManager.SetListener(listener)
	} else {
		memSched := scheduler.NewMemoryScheduler(pool, saver,
			scheduler.WithEventNotifier(func(_ string, ev *models.RunEvent) {
				connManager.BroadcastRunEvent(ev)
			}))
		connManager = events.NewConnectionManager(memSched, streamingWriteTimeout, nil)
		memSched.Start()
		sched = memSched
	}
	slog.Info("Run scheduler initialized", "backend", backend)

	// 7. Worker pool claims and executes runs (Postgres backend only)
	var workerPool *scheduler.WorkerPool
	if pgSched != nil && cfg.RunsWorkers() {
		workerPool = scheduler.NewWorkerPool(pgSched, pool, saver, scheduler.WorkerConfig{
			WorkerID:      cfg.WorkerID,
			WorkerCount:   cfg.WorkerCount,
			LeaseDuration: cfg.LeaseDuration,
			StickyTTL:     cfg.SessionStickyTTL,
			ClaimPoll:     cfg.ClaimPoll,
		})
		workerPool.Start()
	}

	// 8. Retention sweep (Postgres backend only)
	var retention *cleanup.Service
	if pgSched != nil {
		retention = cleanup.NewService(pgSched, cfg.RetentionDays, nil)
		retention.Start(ctx)
	}

	// 9. HTTP server
	runService := services.NewRunService(sched)
	sessionService := services.NewSessionService(store, pool, sched)

	opts := []api.ServerOption{api.WithConnectionManager(connManager)}
	if dbClient != nil {
		opts = append(opts, api.WithDatabase(dbClient))
	}
	if workerPool != nil {
		opts = append(opts, api.WithWorkerPool(workerPool))
	}
	if !cfg.RunsAPI() {
		opts = append(opts, api.WithHealthOnly())
	}
	server := api.NewServer(runService, sessionService, pool, opts...)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Codelia started successfully",
		"worker_id", cfg.WorkerID,
		"role", cfg.Role)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: stop intake first, then drain execution, then
	// release shared resources.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, apiShutdownTimeout)
	defer httpCancel()
	if err := server.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if retention != nil {
		retention.Stop()
	}

	if workerPool != nil {
		workerPool.Stop(workerShutdownGrace)
	}

	if listener != nil {
		listener.Stop(ctx)
	}

	sched.Dispose()
	pool.Dispose()
	saver.Close()

	slog.Info("Shutdown complete")
}
