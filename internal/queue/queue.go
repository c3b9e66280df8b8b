// Package queue defines the durable sync-queue model: an ordered log of
// local mutations that have not yet been confirmed by the remote API.
//
// All state manipulation is pure. Add and Remove return new State values and
// never mutate their inputs, so queue logic is testable without a storage
// fixture; persistence lives in the store package.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codegachi/syncnapse-agent/internal/types"
	"github.com/oklog/ulid/v2"
)

// Action is the kind of mutation an item replays against the remote API.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// ItemStatus distinguishes items eligible for dispatch from items parked on
// an unresolved conflict.
type ItemStatus string

const (
	// ItemPending items are dispatched by the next drain cycle.
	ItemPending ItemStatus = "pending"

	// ItemAwaitingResolution items hit a version conflict and are held until
	// an explicit local/server decision arrives. The drain skips them.
	ItemAwaitingResolution ItemStatus = "awaiting_resolution"
)

// Status is the queue-level sync state, persisted alongside the items.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// Item is one pending mutation.
//
// Data holds everything needed to replay the mutation: a full entity
// snapshot for create/update, the id alone for delete.
type Item struct {
	ID            string          `json:"id"`
	Kind          types.EntityKind `json:"kind"`
	Action        Action          `json:"action"`
	Data          json.RawMessage `json:"data"`
	RetryCount    int             `json:"retry_count"`
	Status        ItemStatus      `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
}

// EntityRef returns the entity this item targets.
func (it Item) EntityRef() (types.EntityRef, error) {
	return types.ExtractRef(it.Kind, it.Data)
}

// State is the queue aggregate. It is loaded and saved as a single record.
type State struct {
	Items        []Item    `json:"items"`
	LastSyncTime time.Time `json:"last_sync_time"`
	Status       Status    `json:"status"`
}

// Input is the caller-supplied part of a new item. ID, timestamps and retry
// bookkeeping are generated at enqueue time.
type Input struct {
	Kind   types.EntityKind
	Action Action
	Data   json.RawMessage
}

// ErrInvalidInput is returned by Add for inputs that cannot form an item.
var ErrInvalidInput = errors.New("invalid queue input")

// Initial returns the default empty queue state.
func Initial() State {
	return State{Items: []Item{}, Status: StatusIdle}
}

// Add appends a new item built from in, preserving existing order. The
// returned state shares no item slice with s. Item ids are ULIDs, so ids
// generated on the same clock sort in enqueue order.
func Add(s State, in Input) (State, Item, error) {
	if !in.Kind.Valid() {
		return s, Item{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, in.Kind)
	}
	if !in.Action.Valid() {
		return s, Item{}, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, in.Action)
	}
	if len(in.Data) == 0 || !json.Valid(in.Data) {
		return s, Item{}, fmt.Errorf("%w: data must be valid JSON", ErrInvalidInput)
	}

	now := time.Now().UTC()
	item := Item{
		ID:            ulid.Make().String(),
		Kind:          in.Kind,
		Action:        in.Action,
		Data:          in.Data,
		RetryCount:    0,
		Status:        ItemPending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}

	next := s
	next.Items = make([]Item, 0, len(s.Items)+1)
	next.Items = append(next.Items, s.Items...)
	next.Items = append(next.Items, item)
	return next, item, nil
}

// Remove returns a state without the item of the given id. Removal of an
// absent id is a no-op and returns a state structurally equal to s.
func Remove(s State, id string) State {
	next := s
	next.Items = make([]Item, 0, len(s.Items))
	for _, it := range s.Items {
		if it.ID != id {
			next.Items = append(next.Items, it)
		}
	}
	return next
}

// Replace returns a state with the item of matching id swapped for updated,
// keeping its position. Unknown ids leave the state unchanged.
func Replace(s State, updated Item) State {
	next := s
	next.Items = make([]Item, len(s.Items))
	copy(next.Items, s.Items)
	for i, it := range next.Items {
		if it.ID == updated.ID {
			next.Items[i] = updated
			break
		}
	}
	return next
}

// Find returns the item with the given id.
func Find(s State, id string) (Item, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Pending counts items eligible for dispatch.
func Pending(s State) int {
	n := 0
	for _, it := range s.Items {
		if it.Status == ItemPending {
			n++
		}
	}
	return n
}

// AwaitingResolution counts items parked on a conflict.
func AwaitingResolution(s State) int {
	n := 0
	for _, it := range s.Items {
		if it.Status == ItemAwaitingResolution {
			n++
		}
	}
	return n
}

// Encode serializes the whole state as one JSON record.
func Encode(s State) ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses a persisted state record and validates its structure.
// Callers treat any error as corruption and fall back to Initial().
func Decode(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode queue state: %w", err)
	}
	if s.Items == nil {
		s.Items = []Item{}
	}
	seen := make(map[string]struct{}, len(s.Items))
	for _, it := range s.Items {
		if it.ID == "" {
			return State{}, errors.New("decode queue state: item with empty id")
		}
		if _, dup := seen[it.ID]; dup {
			return State{}, fmt.Errorf("decode queue state: duplicate item id %s", it.ID)
		}
		seen[it.ID] = struct{}{}
		if !it.Kind.Valid() || !it.Action.Valid() {
			return State{}, fmt.Errorf("decode queue state: malformed item %s", it.ID)
		}
	}
	switch s.Status {
	case StatusIdle, StatusSyncing, StatusError:
	case "":
		s.Status = StatusIdle
	default:
		return State{}, fmt.Errorf("decode queue state: unknown status %q", s.Status)
	}
	return s, nil
}
