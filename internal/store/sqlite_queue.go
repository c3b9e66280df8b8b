package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codegachi/syncnapse-agent/internal/queue"
)

// syncQueueKey is the well-known sync_meta key holding the whole queue
// record. The state is written as one JSON value in a single statement, so
// readers never observe a partially written queue.
const syncQueueKey = "sync_queue"

// LoadQueue reads the persisted queue state. A missing or malformed record
// degrades to the default empty state: absence is a normal case, and a
// corrupt record must not take the whole client down. Only infrastructure
// failures (the database itself erroring) propagate.
func (s *SQLiteStore) LoadQueue(ctx context.Context) (queue.State, error) {
	raw, err := s.GetSyncMeta(ctx, syncQueueKey)
	if errors.Is(err, ErrNotFound) {
		return queue.Initial(), nil
	}
	if err != nil {
		return queue.Initial(), fmt.Errorf("load queue: %w", err)
	}

	state, err := queue.Decode([]byte(raw))
	if err != nil {
		slog.Warn("persisted sync queue is malformed, starting fresh",
			"component", "store",
			"error", err,
		)
		return queue.Initial(), nil
	}
	return state, nil
}

// SaveQueue writes the full queue state atomically. Last writer wins; the
// write is idempotent and callable repeatedly.
func (s *SQLiteStore) SaveQueue(ctx context.Context, state queue.State) error {
	raw, err := queue.Encode(state)
	if err != nil {
		return fmt.Errorf("encode queue state: %w", err)
	}
	if err := s.SetSyncMeta(ctx, syncQueueKey, string(raw)); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}

// AddDeadLetter records a terminally failed queue item.
func (s *SQLiteStore) AddDeadLetter(ctx context.Context, dl DeadLetter) error {
	itemJSON, err := json.Marshal(dl.Item)
	if err != nil {
		return fmt.Errorf("marshal dead letter item: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, item, reason, failed_at) VALUES (?, ?, ?, ?)
	`, dl.ID, string(itemJSON), dl.Reason, dl.FailedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter retrieves a dead letter by id.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, item, reason, failed_at FROM dead_letters WHERE id = ?
	`, id)
	return scanDeadLetter(row)
}

// ListDeadLetters returns all dead letters, oldest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item, reason, failed_at FROM dead_letters ORDER BY failed_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	letters := make([]DeadLetter, 0)
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, *dl)
	}
	return letters, rows.Err()
}

// RemoveDeadLetter deletes a dead letter by id.
func (s *SQLiteStore) RemoveDeadLetter(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneDeadLetters removes dead letters older than the given cutoff.
// Returns the number of entries removed.
func (s *SQLiteStore) PruneDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM dead_letters WHERE failed_at < ?
	`, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune dead letters: %w", err)
	}
	return result.RowsAffected()
}

func scanDeadLetter(scanner rowScanner) (*DeadLetter, error) {
	var dl DeadLetter
	var itemJSON, failedAt string

	err := scanner.Scan(&dl.ID, &itemJSON, &dl.Reason, &failedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}

	if err := json.Unmarshal([]byte(itemJSON), &dl.Item); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter item: %w", err)
	}
	dl.FailedAt, _ = time.Parse(time.RFC3339Nano, failedAt)
	return &dl, nil
}
