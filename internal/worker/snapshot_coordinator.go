package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codegachi/syncnapse-agent/internal/snapshot"
)

// SnapshotSource produces a consistent copy of the local database.
// Implemented by store.SQLiteStore.
type SnapshotSource interface {
	Snapshot(ctx context.Context, destPath string) error
}

// SnapshotCoordinator periodically snapshots the local database and
// uploads the copy to S3-compatible storage when configured.
type SnapshotCoordinator struct {
	source   SnapshotSource
	uploader snapshot.Uploader
	deviceID string
	workDir  string
	interval time.Duration
}

// NewSnapshotCoordinator creates a coordinator that snapshots the local
// database on the given interval. The uploader parameter is optional; if
// nil, no S3 upload is attempted.
func NewSnapshotCoordinator(
	source SnapshotSource,
	deviceID string,
	workDir string,
	interval time.Duration,
	uploader snapshot.Uploader,
) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		source:   source,
		uploader: uploader,
		deviceID: deviceID,
		workDir:  workDir,
		interval: interval,
	}
}

// Run starts the coordinator loop.
//
// Unlike SyncCoordinator which drains immediately on start, this
// coordinator waits for the first ticker interval. Snapshotting copies the
// whole database file and we avoid spiking IO during agent startup.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.generateSnapshot(ctx)
		}
	}
}

// generateSnapshot writes a point-in-time database copy and uploads it.
// The local copy is always removed afterwards; the upload is the artifact.
func (c *SnapshotCoordinator) generateSnapshot(ctx context.Context) {
	start := time.Now()
	dest := filepath.Join(c.workDir, "snapshot-"+start.UTC().Format("20060102T150405")+".db")

	if err := c.source.Snapshot(ctx, dest); err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log as error
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}
	defer func() {
		if err := os.Remove(dest); err != nil {
			slog.Warn("failed to remove local snapshot copy",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"path", dest,
				"error", err,
			)
		}
	}()

	// Upload failures are logged as warnings but are NOT fatal — the next
	// cycle produces a fresh snapshot.
	if c.uploader != nil {
		if err := c.uploader.Upload(ctx, c.deviceID, dest); err != nil {
			slog.Warn("snapshot upload to S3 failed",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "snapshot_upload_failed",
				"error", err,
			)
			return
		}
	}

	slog.Info("snapshot cycle completed",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "cycle_complete",
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
