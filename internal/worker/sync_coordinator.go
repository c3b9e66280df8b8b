// Package worker contains the agent's background loops: periodic drain
// triggers, database snapshots, and dead-letter pruning. Each worker runs
// until its context is cancelled.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codegachi/syncnapse-agent/internal/engine"
)

// SyncTrigger starts one drain cycle. Implemented by engine.Engine.
type SyncTrigger interface {
	Sync(ctx context.Context) (*engine.Result, error)
}

// SyncCoordinator triggers a drain cycle on a fixed interval. A cycle
// already in flight makes the tick a no-op.
type SyncCoordinator struct {
	engine   SyncTrigger
	interval time.Duration
}

// NewSyncCoordinator creates a coordinator that triggers drains on the
// given interval.
func NewSyncCoordinator(eng SyncTrigger, interval time.Duration) *SyncCoordinator {
	return &SyncCoordinator{
		engine:   eng,
		interval: interval,
	}
}

// Run starts the coordinator loop. It blocks until ctx is cancelled.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Drain immediately on start to flush mutations queued while the
	// agent was down.
	c.trigger(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.trigger(ctx)
		}
	}
}

// trigger runs one drain cycle. Overlap and connectivity failures are
// expected conditions, logged at low severity.
func (c *SyncCoordinator) trigger(ctx context.Context) {
	_, err := c.engine.Sync(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrSyncInProgress) {
		slog.Debug("drain already in flight, tick skipped",
			"component", "worker",
			"worker", "sync-coordinator",
		)
		return
	}
	if ctx.Err() != nil {
		return // Graceful shutdown, don't log as error
	}
	slog.Warn("periodic drain failed",
		"component", "worker",
		"worker", "sync-coordinator",
		"error", err,
	)
}
