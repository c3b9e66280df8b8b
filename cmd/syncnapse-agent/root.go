package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codegachi/syncnapse-agent/internal/api"
	"github.com/codegachi/syncnapse-agent/internal/config"
	"github.com/codegachi/syncnapse-agent/internal/conflict"
	"github.com/codegachi/syncnapse-agent/internal/engine"
	"github.com/codegachi/syncnapse-agent/internal/events"
	"github.com/codegachi/syncnapse-agent/internal/remote"
	"github.com/codegachi/syncnapse-agent/internal/snapshot"
	"github.com/codegachi/syncnapse-agent/internal/store"
	"github.com/codegachi/syncnapse-agent/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "syncnapse-agent",
	Short: "SyncNapse Agent - offline-first note sync daemon",
	Long:  "Runs the local sync daemon: durable offline store, sync queue, and the control API for note-taking clients.",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	initLogger(cfg.Log)
	slog.Info("configuration loaded", "level", cfg.Log.Level)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Remote client, resolver, event bus, engine
	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, time.Duration(cfg.Remote.DispatchTimeout))
	resolver := conflict.NewResolver()
	bus := events.NewBus()

	eng := engine.New(db, client, resolver, bus, engine.Options{
		MaxRetries:      cfg.Sync.MaxRetries,
		BackoffBase:     time.Duration(cfg.Sync.BackoffBase),
		BackoffMax:      time.Duration(cfg.Sync.BackoffMax),
		DispatchTimeout: time.Duration(cfg.Remote.DispatchTimeout),
	})
	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover queue state: %w", err)
	}
	slog.Info("sync engine initialized", "max_retries", cfg.Sync.MaxRetries)

	// 6. Snapshot uploader (NoopUploader when no bucket configured)
	uploader, err := snapshot.NewUploader(cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("init snapshot uploader: %w", err)
	}

	// 7. Background workers
	device := deviceID()
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "sync-coordinator",
		worker.NewSyncCoordinator(eng, time.Duration(cfg.Sync.Interval)).Run)
	startWorker(ctx, &wg, "snapshot-coordinator",
		worker.NewSnapshotCoordinator(db, device, filepath.Dir(cfg.Database.Path), time.Duration(cfg.Snapshot.Interval), uploader).Run)
	startWorker(ctx, &wg, "janitor",
		worker.NewJanitor(db, time.Duration(cfg.DeadLetter.TTL), time.Duration(cfg.DeadLetter.PruneInterval)).Run)

	// 8. Control API server
	handler := api.NewHandler(eng, db, resolver, bus, uploader, device, cfg.Server.APIKey, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	go func() {
		slog.Info("control API starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 9. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 10. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 10a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 10b. Wait for workers to complete
	wg.Wait()

	// 10c. Close event bus and store
	bus.Close()
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func initLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// deviceID identifies this agent in snapshot object keys.
func deviceID() string {
	if v := os.Getenv("SYNCNAPSE_DEVICE_ID"); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown-device"
	}
	return host
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}
