// Package store owns durable local state: the canonical note/folder records,
// the persisted sync-queue record, and the dead-letter table.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/codegachi/syncnapse-agent/internal/queue"
	"github.com/codegachi/syncnapse-agent/internal/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DeadLetter is a queue item removed after exhausting retries or failing
// fatally, kept for inspection and manual requeue.
type DeadLetter struct {
	ID       string     `json:"id"`
	Item     queue.Item `json:"item"`
	Reason   string     `json:"reason"`
	FailedAt time.Time  `json:"failed_at"`
}

// Store is the full local persistence surface used by the engine, the
// control API and the workers.
type Store interface {
	// Entities
	UpsertNote(ctx context.Context, n *types.Note) error
	GetNote(ctx context.Context, id string) (*types.Note, error)
	ListNotes(ctx context.Context, folderID string) ([]types.Note, error)
	DeleteNote(ctx context.Context, id string, at time.Time) error
	UpsertFolder(ctx context.Context, f *types.Folder) error
	GetFolder(ctx context.Context, id string) (*types.Folder, error)
	ListFolders(ctx context.Context) ([]types.Folder, error)
	DeleteFolder(ctx context.Context, id string, at time.Time) error

	// Sync queue
	LoadQueue(ctx context.Context) (queue.State, error)
	SaveQueue(ctx context.Context, s queue.State) error

	// Dead letters
	AddDeadLetter(ctx context.Context, dl DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)
	ListDeadLetters(ctx context.Context) ([]DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, id string) error
	PruneDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)

	// Maintenance
	Snapshot(ctx context.Context, destPath string) error
	Close() error
}
