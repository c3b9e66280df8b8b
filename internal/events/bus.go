// Package events carries sync lifecycle notifications from the engine to UI
// consumers. Publishing is fire-and-forget: a subscriber that cannot keep up
// misses events rather than blocking the drain, so observers must be
// idempotent to repeated notifications for the same logical sync event.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Well-known event names. Entity-level events let dependent caches
// invalidate selectively instead of refetching everything.
const (
	Syncing       = "syncing"
	Synced        = "synced"
	SyncError     = "sync-error"
	NotesSynced   = "notes-synced"
	FoldersSynced = "folders-synced"
	NoteSynced    = "note-synced"
	FolderSynced  = "folder-synced"
	ConflictFound = "conflict-detected"
)

// Event is one named notification with an optional JSON detail payload.
type Event struct {
	Name   string          `json:"name"`
	Detail json.RawMessage `json:"detail,omitempty"`
	At     time.Time       `json:"at"`
}

// Bus fans events out to any number of independent subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new observer with the given channel buffer. The
// returned cancel function removes the subscription and closes the channel;
// it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			// The bus may have closed the channel already via Close.
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to every current subscriber without blocking.
// A full subscriber channel drops the event for that subscriber only.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// PublishNamed is shorthand for publishing an event with a marshalled detail.
// A nil detail publishes the bare name.
func (b *Bus) PublishNamed(name string, detail any) {
	e := Event{Name: name, At: time.Now().UTC()}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			e.Detail = raw
		}
	}
	b.Publish(e)
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscriptions and closes their channels. Publish after
// Close is a no-op. Cancel functions returned by Subscribe remain safe to
// call.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
