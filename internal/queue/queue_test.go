package queue

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/codegachi/syncnapse-agent/internal/types"
)

func notePayload(id string) json.RawMessage {
	return json.RawMessage(`{"id":"` + id + `","title":"test","content":"body"}`)
}

func TestAdd_AppendsInOrder(t *testing.T) {
	s := Initial()

	s, first, err := Add(s, Input{Kind: types.KindNote, Action: ActionCreate, Data: notePayload("n1")})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s, second, err := Add(s, Input{Kind: types.KindNote, Action: ActionUpdate, Data: notePayload("n1")})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if len(s.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(s.Items))
	}
	if s.Items[0].ID != first.ID || s.Items[1].ID != second.ID {
		t.Error("items should keep enqueue order")
	}
	if s.Items[0].Status != ItemPending {
		t.Errorf("new item status = %q, want %q", s.Items[0].Status, ItemPending)
	}
	if s.Items[0].RetryCount != 0 {
		t.Errorf("new item retry count = %d, want 0", s.Items[0].RetryCount)
	}
}

func TestAdd_DoesNotMutateInput(t *testing.T) {
	s := Initial()
	s1, _, err := Add(s, Input{Kind: types.KindNote, Action: ActionCreate, Data: notePayload("n1")})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Appending to the earlier state must not leak into the later one.
	_, _, err = Add(s1, Input{Kind: types.KindFolder, Action: ActionCreate, Data: notePayload("f1")})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if len(s.Items) != 0 {
		t.Errorf("original state gained %d items", len(s.Items))
	}
	if len(s1.Items) != 1 {
		t.Errorf("intermediate state has %d items, want 1", len(s1.Items))
	}
}

func TestAdd_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		in   Input
	}{
		{"unknown kind", Input{Kind: "widget", Action: ActionCreate, Data: notePayload("n1")}},
		{"unknown action", Input{Kind: types.KindNote, Action: "upsert", Data: notePayload("n1")}},
		{"empty data", Input{Kind: types.KindNote, Action: ActionCreate}},
		{"malformed JSON", Input{Kind: types.KindNote, Action: ActionCreate, Data: json.RawMessage(`{"id":`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Add(Initial(), tt.in)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Add() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestRemove_KeepsOrderOfSurvivors(t *testing.T) {
	s := Initial()
	var ids []string
	for i := 0; i < 3; i++ {
		var item Item
		var err error
		s, item, err = Add(s, Input{Kind: types.KindNote, Action: ActionCreate, Data: notePayload("n1")})
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		ids = append(ids, item.ID)
	}

	s = Remove(s, ids[1])

	if len(s.Items) != 2 {
		t.Fatalf("expected 2 items after remove, got %d", len(s.Items))
	}
	if s.Items[0].ID != ids[0] || s.Items[1].ID != ids[2] {
		t.Error("surviving items should keep their relative order")
	}
}

func TestRemove_AbsentIDIsNoop(t *testing.T) {
	s := Initial()
	s, _, err := Add(s, Input{Kind: types.KindNote, Action: ActionCreate, Data: notePayload("n1")})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	got := Remove(s, "no-such-id")
	if len(got.Items) != 1 {
		t.Errorf("Remove of absent id changed item count: %d", len(got.Items))
	}
}

func TestReplace_SwapsInPlace(t *testing.T) {
	s := Initial()
	s, item, err := Add(s, Input{Kind: types.KindNote, Action: ActionCreate, Data: notePayload("n1")})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s, other, err := Add(s, Input{Kind: types.KindNote, Action: ActionUpdate, Data: notePayload("n2")})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	item.RetryCount = 3
	item.Status = ItemAwaitingResolution
	s = Replace(s, item)

	got, ok := Find(s, item.ID)
	if !ok {
		t.Fatal("replaced item not found")
	}
	if got.RetryCount != 3 || got.Status != ItemAwaitingResolution {
		t.Errorf("Replace did not apply changes: %+v", got)
	}
	if s.Items[0].ID != item.ID || s.Items[1].ID != other.ID {
		t.Error("Replace should keep item position")
	}
}

func TestCounts(t *testing.T) {
	s := Initial()
	s, a, _ := Add(s, Input{Kind: types.KindNote, Action: ActionCreate, Data: notePayload("n1")})
	s, _, _ = Add(s, Input{Kind: types.KindNote, Action: ActionUpdate, Data: notePayload("n2")})

	a.Status = ItemAwaitingResolution
	s = Replace(s, a)

	if got := Pending(s); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
	if got := AwaitingResolution(s); got != 1 {
		t.Errorf("AwaitingResolution() = %d, want 1", got)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	s := Initial()
	s, item, err := Add(s, Input{Kind: types.KindFolder, Action: ActionDelete, Data: notePayload("f9")})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s.Status = StatusError

	data, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].ID != item.ID {
		t.Errorf("round trip lost items: %+v", got.Items)
	}
	if got.Status != StatusError {
		t.Errorf("round trip status = %q, want %q", got.Status, StatusError)
	}
}

func TestDecode_RejectsCorruptState(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not JSON", `{"items":`},
		{"empty item id", `{"items":[{"id":"","kind":"note","action":"create"}]}`},
		{"duplicate item id", `{"items":[{"id":"a","kind":"note","action":"create"},{"id":"a","kind":"note","action":"update"}]}`},
		{"unknown kind", `{"items":[{"id":"a","kind":"widget","action":"create"}]}`},
		{"unknown action", `{"items":[{"id":"a","kind":"note","action":"merge"}]}`},
		{"unknown status", `{"items":[],"status":"paused"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Error("Decode() should reject corrupt state")
			}
		})
	}
}

func TestDecode_DefaultsMissingFields(t *testing.T) {
	got, err := Decode([]byte(`{}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Items == nil {
		t.Error("Decode should default nil items to empty slice")
	}
	if got.Status != StatusIdle {
		t.Errorf("Decode status = %q, want %q", got.Status, StatusIdle)
	}
}

func TestEntityRef(t *testing.T) {
	s := Initial()
	s, item, err := Add(s, Input{Kind: types.KindNote, Action: ActionUpdate, Data: notePayload("n42")})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	_ = s

	ref, err := item.EntityRef()
	if err != nil {
		t.Fatalf("EntityRef() error = %v", err)
	}
	if ref.ID != "n42" || ref.Kind != types.KindNote {
		t.Errorf("EntityRef() = %+v", ref)
	}
}
