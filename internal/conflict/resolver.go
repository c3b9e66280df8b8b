// Package conflict decides what happens when the server copy of an entity
// has advanced past the base a queued local mutation assumed.
//
// Unambiguous cases resolve automatically. Everything else is parked with
// both snapshots retained and waits for an explicit local/server decision;
// a parked conflict never blocks sync progress on unrelated entities.
package conflict

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codegachi/syncnapse-agent/internal/queue"
	"github.com/codegachi/syncnapse-agent/internal/remote"
	"github.com/codegachi/syncnapse-agent/internal/types"
)

// Choice is the user's decision for a parked conflict.
type Choice string

const (
	// ChoiceLocal keeps the local version and re-pushes it.
	ChoiceLocal Choice = "local"

	// ChoiceServer discards the local change and adopts the server copy.
	ChoiceServer Choice = "server"
)

// Valid reports whether c is a known choice.
func (c Choice) Valid() bool {
	return c == ChoiceLocal || c == ChoiceServer
}

// ErrUnknownConflict is returned when resolving an id that is not parked.
var ErrUnknownConflict = errors.New("unknown conflict")

// Conflict is a parked divergence awaiting an external decision. Both
// snapshots and their dates are retained so a UI can present them; nothing
// is lost until the user chooses a side.
type Conflict struct {
	ID            string           `json:"id"` // queue item id
	Kind          types.EntityKind `json:"kind"`
	EntityID      string           `json:"entity_id"`
	Item          queue.Item       `json:"-"`
	LocalPayload  json.RawMessage  `json:"local"`
	ServerPayload json.RawMessage  `json:"server"`
	LocalDate     time.Time        `json:"local_date"`
	ServerDate    time.Time        `json:"server_date"`
	ServerDeleted bool             `json:"server_deleted"`
	DetectedAt    time.Time        `json:"detected_at"`
}

// Outcome is the resolver's verdict for a freshly detected conflict.
type Outcome struct {
	// Auto is true when the conflict resolved without user input. The item
	// is dropped from the queue as if the dispatch succeeded.
	Auto bool

	// AdoptServer is set with Auto when the server copy should overwrite
	// the local record as part of the automatic resolution.
	AdoptServer bool

	// Parked holds the conflict awaiting a decision when Auto is false.
	Parked *Conflict
}

// Resolver holds parked conflicts and applies the resolution rules.
type Resolver struct {
	mu     sync.RWMutex
	parked map[string]*Conflict
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{parked: make(map[string]*Conflict)}
}

// Examine classifies a conflict reported for the given queue item.
//
// Automatic rules, applied in order:
//   - delete vs. server-deleted: both sides agree the entity is gone;
//     treat as success.
//   - local payload identical to server payload: nothing to decide; adopt
//     the server copy (it carries the authoritative timestamp).
//
// Everything else parks.
func (r *Resolver) Examine(item queue.Item, ce *remote.ConflictError) (Outcome, error) {
	ref, err := item.EntityRef()
	if err != nil {
		return Outcome{}, fmt.Errorf("conflict on undecodable item %s: %w", item.ID, err)
	}

	if item.Action == queue.ActionDelete && ce.ServerDeleted {
		return Outcome{Auto: true}, nil
	}
	if len(ce.ServerPayload) > 0 && payloadEqual(item.Data, ce.ServerPayload) {
		return Outcome{Auto: true, AdoptServer: true}, nil
	}

	c := &Conflict{
		ID:            item.ID,
		Kind:          item.Kind,
		EntityID:      ref.ID,
		Item:          item,
		LocalPayload:  item.Data,
		ServerPayload: ce.ServerPayload,
		LocalDate:     item.CreatedAt,
		ServerDate:    ce.ServerUpdatedAt,
		ServerDeleted: ce.ServerDeleted,
		DetectedAt:    time.Now().UTC(),
	}

	r.mu.Lock()
	r.parked[c.ID] = c
	r.mu.Unlock()

	return Outcome{Parked: c}, nil
}

// Resolution is the outcome of an explicit user decision.
type Resolution struct {
	Conflict *Conflict
	Choice   Choice
}

// Resolve consumes a parked conflict with the user's choice. The caller
// (the sync engine) applies the winning side to the store and queue.
func (r *Resolver) Resolve(id string, choice Choice) (*Resolution, error) {
	if !choice.Valid() {
		return nil, fmt.Errorf("invalid choice %q", choice)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.parked[id]
	if !ok {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrUnknownConflict)
	}
	delete(r.parked, id)

	return &Resolution{Conflict: c, Choice: choice}, nil
}

// Get returns a parked conflict by queue item id.
func (r *Resolver) Get(id string) (*Conflict, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.parked[id]
	return c, ok
}

// Parked returns all parked conflicts, oldest detection first.
func (r *Resolver) Parked() []*Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conflict, 0, len(r.parked))
	for _, c := range r.parked {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// Restore re-parks a conflict, used when queue state is reloaded and parked
// items are found without an in-memory conflict (process restart).
func (r *Resolver) Restore(c *Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.parked[c.ID]; !exists {
		r.parked[c.ID] = c
	}
}

// payloadEqual compares two JSON payloads ignoring formatting and the
// volatile updated_at marker.
func payloadEqual(a, b json.RawMessage) bool {
	na, err := normalize(a)
	if err != nil {
		return false
	}
	nb, err := normalize(b)
	if err != nil {
		return false
	}
	return bytes.Equal(na, nb)
}

func normalize(raw json.RawMessage) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	delete(m, "updated_at")
	return json.Marshal(m)
}
