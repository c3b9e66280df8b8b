package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codegachi/syncnapse-agent/internal/queue"
	"github.com/codegachi/syncnapse-agent/internal/types"
)

func TestLoadQueue_EmptyDatabaseReturnsInitial(t *testing.T) {
	s := newTestStore(t)

	state, err := s.LoadQueue(context.Background())
	if err != nil {
		t.Fatalf("LoadQueue() error = %v", err)
	}
	if len(state.Items) != 0 {
		t.Errorf("fresh queue has %d items, want 0", len(state.Items))
	}
	if state.Status != queue.StatusIdle {
		t.Errorf("fresh queue status = %q, want idle", state.Status)
	}
}

func TestSaveLoadQueue_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := queue.Initial()
	state, item, err := queue.Add(state, queue.Input{
		Kind:   types.KindNote,
		Action: queue.ActionCreate,
		Data:   []byte(`{"id":"n1","title":"t"}`),
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	state.Status = queue.StatusError

	if err := s.SaveQueue(ctx, state); err != nil {
		t.Fatalf("SaveQueue() error = %v", err)
	}

	got, err := s.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue() error = %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].ID != item.ID {
		t.Errorf("round trip lost items: %+v", got.Items)
	}
	if got.Status != queue.StatusError {
		t.Errorf("round trip status = %q, want error", got.Status)
	}
}

func TestSaveQueue_LastWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := queue.Initial()
	first, _, _ = queue.Add(first, queue.Input{Kind: types.KindNote, Action: queue.ActionCreate, Data: []byte(`{"id":"n1"}`)})
	if err := s.SaveQueue(ctx, first); err != nil {
		t.Fatalf("SaveQueue() error = %v", err)
	}

	if err := s.SaveQueue(ctx, queue.Initial()); err != nil {
		t.Fatalf("SaveQueue() overwrite error = %v", err)
	}

	got, err := s.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue() error = %v", err)
	}
	if len(got.Items) != 0 {
		t.Errorf("overwrite should win, got %d items", len(got.Items))
	}
}

func TestLoadQueue_CorruptRecordDegradesToInitial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetSyncMeta(ctx, "sync_queue", `{"items":[{"id":""`); err != nil {
		t.Fatalf("SetSyncMeta() error = %v", err)
	}

	state, err := s.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue() on corrupt record error = %v, want graceful fallback", err)
	}
	if len(state.Items) != 0 || state.Status != queue.StatusIdle {
		t.Errorf("corrupt record should degrade to Initial(), got %+v", state)
	}
}

func TestSyncMeta_GetSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSyncMeta(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSyncMeta(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.SetSyncMeta(ctx, "device_id", "laptop-1"); err != nil {
		t.Fatalf("SetSyncMeta() error = %v", err)
	}
	got, err := s.GetSyncMeta(ctx, "device_id")
	if err != nil {
		t.Fatalf("GetSyncMeta() error = %v", err)
	}
	if got != "laptop-1" {
		t.Errorf("GetSyncMeta() = %q, want laptop-1", got)
	}
}

func deadLetterFixture(id string, failedAt time.Time) DeadLetter {
	return DeadLetter{
		ID: id,
		Item: queue.Item{
			ID:     id,
			Kind:   types.KindNote,
			Action: queue.ActionUpdate,
			Data:   []byte(`{"id":"n1"}`),
			Status: queue.ItemPending,
		},
		Reason:   "retries exhausted",
		FailedAt: failedAt,
	}
}

func TestDeadLetters_AddGetListRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := deadLetterFixture("dl-1", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	newer := deadLetterFixture("dl-2", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	// Insert newest first to verify ordering comes from failed_at.
	if err := s.AddDeadLetter(ctx, newer); err != nil {
		t.Fatalf("AddDeadLetter() error = %v", err)
	}
	if err := s.AddDeadLetter(ctx, older); err != nil {
		t.Fatalf("AddDeadLetter() error = %v", err)
	}

	got, err := s.GetDeadLetter(ctx, "dl-1")
	if err != nil {
		t.Fatalf("GetDeadLetter() error = %v", err)
	}
	if got.Item.Kind != types.KindNote || got.Reason != "retries exhausted" {
		t.Errorf("GetDeadLetter() = %+v", got)
	}

	letters, err := s.ListDeadLetters(ctx)
	if err != nil {
		t.Fatalf("ListDeadLetters() error = %v", err)
	}
	if len(letters) != 2 {
		t.Fatalf("ListDeadLetters() returned %d, want 2", len(letters))
	}
	if letters[0].ID != "dl-1" || letters[1].ID != "dl-2" {
		t.Error("ListDeadLetters() should order oldest first")
	}

	if err := s.RemoveDeadLetter(ctx, "dl-1"); err != nil {
		t.Fatalf("RemoveDeadLetter() error = %v", err)
	}
	if err := s.RemoveDeadLetter(ctx, "dl-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second RemoveDeadLetter() error = %v, want ErrNotFound", err)
	}
}

func TestPruneDeadLetters_RemovesOnlyExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := deadLetterFixture("dl-old", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	recent := deadLetterFixture("dl-recent", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err := s.AddDeadLetter(ctx, old); err != nil {
		t.Fatalf("AddDeadLetter() error = %v", err)
	}
	if err := s.AddDeadLetter(ctx, recent); err != nil {
		t.Fatalf("AddDeadLetter() error = %v", err)
	}

	removed, err := s.PruneDeadLetters(ctx, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("PruneDeadLetters() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("PruneDeadLetters() removed %d, want 1", removed)
	}

	if _, err := s.GetDeadLetter(ctx, "dl-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired letter should be gone, got %v", err)
	}
	if _, err := s.GetDeadLetter(ctx, "dl-recent"); err != nil {
		t.Errorf("recent letter should survive, got %v", err)
	}
}
