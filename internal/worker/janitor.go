package worker

import (
	"context"
	"log/slog"
	"time"
)

// DeadLetterPruner removes dead letters older than a cutoff.
// Implemented by store.SQLiteStore.
type DeadLetterPruner interface {
	PruneDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)
}

// Janitor prunes expired dead letters on a fixed interval.
type Janitor struct {
	store    DeadLetterPruner
	ttl      time.Duration
	interval time.Duration
}

// NewJanitor creates a janitor that removes dead letters older than ttl.
func NewJanitor(store DeadLetterPruner, ttl, interval time.Duration) *Janitor {
	return &Janitor{
		store:    store,
		ttl:      ttl,
		interval: interval,
	}
}

// Run starts the janitor loop. It blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "janitor",
		"action", "worker_started",
		"ttl", j.ttl.String(),
		"interval", j.interval.String(),
	)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Prune immediately on start so a long-stopped agent catches up.
	j.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "janitor",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			j.prune(ctx)
		}
	}
}

func (j *Janitor) prune(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.ttl)

	removed, err := j.store.PruneDeadLetters(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log as error
		}
		slog.Error("dead letter prune failed",
			"component", "worker",
			"worker", "janitor",
			"error", err,
		)
		return
	}

	if removed > 0 {
		slog.Info("expired dead letters pruned",
			"component", "worker",
			"worker", "janitor",
			"action", "prune_complete",
			"removed", removed,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
}
