// Package engine drains the sync queue against the remote API.
//
// One drain cycle runs at a time. Items are dispatched strictly in enqueue
// order and the queue record is persisted after every confirmed apply, so
// the on-disk state always reflects a consistent prefix of completed work:
// a crash mid-drain loses nothing and the next cycle resumes from the true
// remaining head.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codegachi/syncnapse-agent/internal/conflict"
	"github.com/codegachi/syncnapse-agent/internal/events"
	"github.com/codegachi/syncnapse-agent/internal/queue"
	"github.com/codegachi/syncnapse-agent/internal/remote"
	"github.com/codegachi/syncnapse-agent/internal/store"
	"github.com/codegachi/syncnapse-agent/internal/types"
)

// ErrSyncInProgress is returned when a trigger arrives while a drain is
// already in flight. Callers treat it as "ignore the trigger".
var ErrSyncInProgress = errors.New("sync already in progress")

// Store is the persistence surface the engine needs.
type Store interface {
	LoadQueue(ctx context.Context) (queue.State, error)
	SaveQueue(ctx context.Context, s queue.State) error
	UpsertNote(ctx context.Context, n *types.Note) error
	DeleteNote(ctx context.Context, id string, at time.Time) error
	UpsertFolder(ctx context.Context, f *types.Folder) error
	DeleteFolder(ctx context.Context, id string, at time.Time) error
	AddDeadLetter(ctx context.Context, dl store.DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*store.DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, id string) error
}

// Remote is the per-(entity, action) dispatch surface.
type Remote interface {
	CreateNote(ctx context.Context, n *types.Note, idemKey string) (*types.Note, error)
	UpdateNote(ctx context.Context, n *types.Note, idemKey string) (*types.Note, error)
	DeleteNote(ctx context.Context, id string, base time.Time, idemKey string) error
	CreateFolder(ctx context.Context, f *types.Folder, idemKey string) (*types.Folder, error)
	UpdateFolder(ctx context.Context, f *types.Folder, idemKey string) (*types.Folder, error)
	DeleteFolder(ctx context.Context, id string, base time.Time, idemKey string) error
}

// Options tune the retry policy.
type Options struct {
	// MaxRetries is the transient-failure budget per item before it is
	// dead-lettered.
	MaxRetries int

	// BackoffBase and BackoffMax bound the per-item exponential backoff
	// between cycles: base << retries, capped at max.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// DispatchTimeout bounds each remote call so a hung dispatch cannot
	// stall the drain indefinitely.
	DispatchTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxRetries <= 0 {
		out.MaxRetries = 5
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 30 * time.Second
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = time.Hour
	}
	if out.DispatchTimeout <= 0 {
		out.DispatchTimeout = 30 * time.Second
	}
	return out
}

// Result summarizes one drain cycle.
type Result struct {
	Attempted    int           `json:"attempted"`
	Applied      int           `json:"applied"`
	Conflicts    int           `json:"conflicts"`
	Deferred     int           `json:"deferred"`
	DeadLettered int           `json:"dead_lettered"`
	Aborted      bool          `json:"aborted"`
	Duration     time.Duration `json:"duration"`
}

// StatusSnapshot is the UI-facing view of sync state.
type StatusSnapshot struct {
	IsSyncing          bool       `json:"is_syncing"`
	LastSyncedAt       *time.Time `json:"last_synced_at,omitempty"`
	SyncError          string     `json:"sync_error,omitempty"`
	Pending            int        `json:"pending"`
	AwaitingResolution int        `json:"awaiting_resolution"`
}

// Engine owns the read-modify-write cycle on the sync queue.
type Engine struct {
	store    Store
	remote   Remote
	resolver *conflict.Resolver
	bus      *events.Bus
	opts     Options

	// qmu serializes all queue read-modify-write sequences. Enqueue may run
	// concurrently with a drain; the drain re-reads under qmu before each
	// incremental persist so concurrent enqueues are merged, never lost.
	qmu sync.Mutex

	mu           sync.Mutex
	syncing      bool
	lastSyncedAt *time.Time
	syncErr      string
}

// New creates a sync engine.
func New(st Store, rc Remote, res *conflict.Resolver, bus *events.Bus, opts Options) *Engine {
	return &Engine{
		store:    st,
		remote:   rc,
		resolver: res,
		bus:      bus,
		opts:     opts.withDefaults(),
	}
}

// Recover normalizes persisted queue state at startup: a stale "syncing"
// status left by a crash becomes idle, and items parked on conflicts are
// reset to pending — the conflict will re-occur on dispatch and re-park
// with fresh server data, so nothing is lost.
func (e *Engine) Recover(ctx context.Context) error {
	e.qmu.Lock()
	defer e.qmu.Unlock()

	state, err := e.store.LoadQueue(ctx)
	if err != nil {
		return err
	}

	changed := false
	if state.Status == queue.StatusSyncing {
		state.Status = queue.StatusIdle
		changed = true
	}
	for _, it := range state.Items {
		if it.Status == queue.ItemAwaitingResolution {
			it.Status = queue.ItemPending
			state = queue.Replace(state, it)
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return e.store.SaveQueue(ctx, state)
}

// Enqueue records a local mutation for later replay. Safe to call while a
// drain is in flight.
func (e *Engine) Enqueue(ctx context.Context, in queue.Input) (queue.Item, error) {
	e.qmu.Lock()
	defer e.qmu.Unlock()

	state, err := e.store.LoadQueue(ctx)
	if err != nil {
		return queue.Item{}, err
	}
	state, item, err := queue.Add(state, in)
	if err != nil {
		return queue.Item{}, err
	}
	if err := e.store.SaveQueue(ctx, state); err != nil {
		return queue.Item{}, fmt.Errorf("persist enqueue: %w", err)
	}

	slog.Debug("mutation enqueued",
		"component", "engine",
		"item_id", item.ID,
		"kind", item.Kind,
		"action", item.Action,
	)
	return item, nil
}

// Status returns the current UI-facing sync state.
func (e *Engine) Status(ctx context.Context) (StatusSnapshot, error) {
	e.mu.Lock()
	snap := StatusSnapshot{
		IsSyncing:    e.syncing,
		LastSyncedAt: e.lastSyncedAt,
		SyncError:    e.syncErr,
	}
	e.mu.Unlock()

	state, err := e.store.LoadQueue(ctx)
	if err != nil {
		return snap, err
	}
	snap.Pending = queue.Pending(state)
	snap.AwaitingResolution = queue.AwaitingResolution(state)
	return snap, nil
}

// Sync runs one drain cycle. Overlapping triggers are ignored: if a cycle
// is already in flight the call returns ErrSyncInProgress immediately.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.syncing = true
	e.mu.Unlock()

	start := time.Now()
	e.setQueueStatus(ctx, queue.StatusSyncing)
	e.bus.PublishNamed(events.Syncing, nil)

	result, drainErr := e.drain(ctx)
	result.Duration = time.Since(start)

	now := time.Now().UTC()
	terminal := queue.StatusIdle
	if drainErr != nil || result.DeadLettered > 0 {
		terminal = queue.StatusError
	}
	// An aborted cycle is not a drain: the last-sync marker only moves when
	// the queue was walked to the end.
	completed := drainErr == nil
	e.finishCycle(ctx, now, terminal, completed)

	e.mu.Lock()
	e.syncing = false
	if completed {
		e.lastSyncedAt = &now
	}
	if drainErr != nil {
		e.syncErr = drainErr.Error()
	} else if result.DeadLettered > 0 {
		e.syncErr = fmt.Sprintf("%d item(s) moved to dead letters", result.DeadLettered)
	} else {
		e.syncErr = ""
	}
	errMsg := e.syncErr
	e.mu.Unlock()

	if terminal == queue.StatusError {
		e.bus.PublishNamed(events.SyncError, map[string]string{"error": errMsg})
	} else {
		e.bus.PublishNamed(events.Synced, nil)
	}

	slog.Info("drain cycle finished",
		"component", "engine",
		"action", "sync",
		"attempted", result.Attempted,
		"applied", result.Applied,
		"conflicts", result.Conflicts,
		"deferred", result.Deferred,
		"dead_lettered", result.DeadLettered,
		"aborted", result.Aborted,
		"duration_ms", result.Duration.Milliseconds(),
		"error", errMsg,
	)

	if drainErr != nil {
		return result, drainErr
	}
	return result, nil
}

// drain processes due items strictly in queue order. A failed or parked
// item blocks later items for the same entity (per-entity FIFO), but never
// unrelated ones. Loss of connectivity aborts the remainder of the cycle.
func (e *Engine) drain(ctx context.Context) (*Result, error) {
	result := &Result{}
	// Entities whose earlier item failed or parked this cycle. Later
	// mutations for them must wait so per-entity order is preserved.
	blocked := make(map[string]struct{})
	// Items already attempted this cycle (an item left in the queue after a
	// transient failure must not be retried in the same cycle).
	attempted := make(map[string]struct{})

	for {
		if err := ctx.Err(); err != nil {
			result.Aborted = true
			return result, err
		}

		// Re-read the queue each iteration so mutations enqueued during the
		// drain are picked up and never overwritten.
		e.qmu.Lock()
		state, err := e.store.LoadQueue(ctx)
		e.qmu.Unlock()
		if err != nil {
			return result, err
		}

		item, ok := nextDue(state, blocked, attempted)
		if !ok {
			return result, nil
		}
		attempted[item.ID] = struct{}{}
		result.Attempted++

		ref, refErr := item.EntityRef()
		if refErr != nil {
			// Undecodable payload can never replay; dead-letter it.
			e.deadLetter(ctx, item, fmt.Sprintf("undecodable payload: %v", refErr))
			result.DeadLettered++
			continue
		}
		entityKey := string(item.Kind) + "/" + ref.ID

		dispatchCtx, cancel := context.WithTimeout(ctx, e.opts.DispatchTimeout)
		err = e.dispatch(dispatchCtx, item)
		cancel()

		switch {
		case err == nil:
			if err := e.confirm(ctx, item); err != nil {
				// Persistence failure: stop the cycle with the item still
				// queued. Nothing was lost; the next cycle replays it.
				result.Aborted = true
				return result, err
			}
			result.Applied++

		case isConflict(err):
			ce, _ := remote.IsConflict(err)
			result.Conflicts++
			if aborted, err := e.handleConflict(ctx, item, ce, blocked, ref, entityKey); err != nil {
				result.Aborted = aborted
				return result, err
			}

		case remote.IsUnreachable(err):
			// Total connectivity loss: defer this item untouched beyond a
			// retry bump and abort the remainder of the cycle.
			result.Aborted = true
			if _, derr := e.deferItem(ctx, item, err); derr != nil {
				return result, derr
			}
			result.Deferred++
			return result, fmt.Errorf("remote unreachable: %w", err)

		case remote.IsTransient(err):
			deadLettered, derr := e.deferItem(ctx, item, err)
			if derr != nil {
				result.Aborted = true
				return result, derr
			}
			if deadLettered {
				result.DeadLettered++
			} else {
				result.Deferred++
			}
			blocked[entityKey] = struct{}{}

		default:
			// Fatal rejection: replaying an invalid request cannot succeed.
			e.deadLetter(ctx, item, err.Error())
			result.DeadLettered++
		}
	}
}

// nextDue returns the first pending, due, unblocked, not-yet-attempted item.
func nextDue(state queue.State, blocked, attempted map[string]struct{}) (queue.Item, bool) {
	now := time.Now()
	for _, it := range state.Items {
		if it.Status != queue.ItemPending {
			// A parked item holds its entity: later mutations for it must
			// wait until the conflict is decided.
			if ref, err := it.EntityRef(); err == nil {
				blocked[string(it.Kind)+"/"+ref.ID] = struct{}{}
			}
			continue
		}
		if _, done := attempted[it.ID]; done {
			continue
		}
		ref, err := it.EntityRef()
		if err == nil {
			if _, isBlocked := blocked[string(it.Kind)+"/"+ref.ID]; isBlocked {
				continue
			}
		}
		if it.NextAttemptAt.After(now) {
			// Not due yet; block the entity so later mutations for it keep
			// their relative order.
			if err == nil {
				blocked[string(it.Kind)+"/"+ref.ID] = struct{}{}
			}
			continue
		}
		return it, true
	}
	return queue.Item{}, false
}

// dispatch replays one item against the remote API. The item id doubles as
// the idempotency key so a crash-replayed dispatch cannot double-apply.
func (e *Engine) dispatch(ctx context.Context, item queue.Item) error {
	switch item.Kind {
	case types.KindNote:
		return e.dispatchNote(ctx, item)
	case types.KindFolder:
		return e.dispatchFolder(ctx, item)
	default:
		return &remote.FatalError{Op: "dispatch", Status: 0, Detail: fmt.Sprintf("unknown entity kind %q", item.Kind)}
	}
}

func (e *Engine) dispatchNote(ctx context.Context, item queue.Item) error {
	var n types.Note
	if err := json.Unmarshal(item.Data, &n); err != nil {
		return &remote.FatalError{Op: "dispatch note", Detail: fmt.Sprintf("bad payload: %v", err)}
	}

	switch item.Action {
	case queue.ActionCreate:
		server, err := e.remote.CreateNote(ctx, &n, item.ID)
		if err != nil {
			return err
		}
		return e.adoptNote(ctx, server)
	case queue.ActionUpdate:
		server, err := e.remote.UpdateNote(ctx, &n, item.ID)
		if err != nil {
			return err
		}
		return e.adoptNote(ctx, server)
	case queue.ActionDelete:
		if err := e.remote.DeleteNote(ctx, n.ID, n.UpdatedAt, item.ID); err != nil {
			return err
		}
		return e.dropNote(ctx, n.ID)
	default:
		return &remote.FatalError{Op: "dispatch note", Detail: fmt.Sprintf("unknown action %q", item.Action)}
	}
}

func (e *Engine) dispatchFolder(ctx context.Context, item queue.Item) error {
	var f types.Folder
	if err := json.Unmarshal(item.Data, &f); err != nil {
		return &remote.FatalError{Op: "dispatch folder", Detail: fmt.Sprintf("bad payload: %v", err)}
	}

	switch item.Action {
	case queue.ActionCreate:
		server, err := e.remote.CreateFolder(ctx, &f, item.ID)
		if err != nil {
			return err
		}
		return e.adoptFolder(ctx, server)
	case queue.ActionUpdate:
		server, err := e.remote.UpdateFolder(ctx, &f, item.ID)
		if err != nil {
			return err
		}
		return e.adoptFolder(ctx, server)
	case queue.ActionDelete:
		if err := e.remote.DeleteFolder(ctx, f.ID, f.UpdatedAt, item.ID); err != nil {
			return err
		}
		return e.dropFolder(ctx, f.ID)
	default:
		return &remote.FatalError{Op: "dispatch folder", Detail: fmt.Sprintf("unknown action %q", item.Action)}
	}
}

// adoptNote writes the authoritative server copy locally and notifies
// note caches.
func (e *Engine) adoptNote(ctx context.Context, server *types.Note) error {
	if err := e.store.UpsertNote(ctx, server); err != nil {
		return fmt.Errorf("adopt server note: %w", err)
	}
	e.bus.PublishNamed(events.NoteSynced, map[string]string{"noteId": server.ID})
	e.bus.PublishNamed(events.NotesSynced, nil)
	return nil
}

func (e *Engine) adoptFolder(ctx context.Context, server *types.Folder) error {
	if err := e.store.UpsertFolder(ctx, server); err != nil {
		return fmt.Errorf("adopt server folder: %w", err)
	}
	e.bus.PublishNamed(events.FolderSynced, map[string]string{"folderId": server.ID})
	e.bus.PublishNamed(events.FoldersSynced, nil)
	return nil
}

func (e *Engine) dropNote(ctx context.Context, id string) error {
	err := e.store.DeleteNote(ctx, id, time.Now().UTC())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("confirm note delete: %w", err)
	}
	e.bus.PublishNamed(events.NoteSynced, map[string]string{"noteId": id})
	e.bus.PublishNamed(events.NotesSynced, nil)
	return nil
}

func (e *Engine) dropFolder(ctx context.Context, id string) error {
	err := e.store.DeleteFolder(ctx, id, time.Now().UTC())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("confirm folder delete: %w", err)
	}
	e.bus.PublishNamed(events.FolderSynced, map[string]string{"folderId": id})
	e.bus.PublishNamed(events.FoldersSynced, nil)
	return nil
}

func (e *Engine) dropEntity(ctx context.Context, kind types.EntityKind, id string) error {
	switch kind {
	case types.KindNote:
		return e.dropNote(ctx, id)
	case types.KindFolder:
		return e.dropFolder(ctx, id)
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
}

// confirm removes a successfully applied item and persists the queue
// immediately, so a crash after this point cannot replay completed work
// out from under its successors.
func (e *Engine) confirm(ctx context.Context, item queue.Item) error {
	e.qmu.Lock()
	defer e.qmu.Unlock()

	state, err := e.store.LoadQueue(ctx)
	if err != nil {
		return err
	}
	state = queue.Remove(state, item.ID)
	if err := e.store.SaveQueue(ctx, state); err != nil {
		return fmt.Errorf("persist completed item: %w", err)
	}
	return nil
}

// deferItem bumps the retry counter after a transient failure. Below the
// budget the item stays queued with an exponential next-attempt time; at
// the budget it moves to the dead letters. Returns whether it was
// dead-lettered.
func (e *Engine) deferItem(ctx context.Context, item queue.Item, cause error) (bool, error) {
	item.RetryCount++

	if item.RetryCount >= e.opts.MaxRetries {
		e.deadLetter(ctx, item, fmt.Sprintf("retries exhausted: %v", cause))
		return true, nil
	}

	item.NextAttemptAt = time.Now().UTC().Add(e.backoff(item.RetryCount))

	e.qmu.Lock()
	defer e.qmu.Unlock()
	state, err := e.store.LoadQueue(ctx)
	if err != nil {
		return false, err
	}
	state = queue.Replace(state, item)
	if err := e.store.SaveQueue(ctx, state); err != nil {
		return false, fmt.Errorf("persist retry bump: %w", err)
	}

	slog.Warn("dispatch failed, will retry",
		"component", "engine",
		"item_id", item.ID,
		"retry_count", item.RetryCount,
		"next_attempt_at", item.NextAttemptAt,
		"error", cause,
	)
	return false, nil
}

// deadLetter moves an item out of the active queue into the dead-letter
// table. Persistence failures here are logged, not fatal: losing a dead
// letter is preferable to wedging the drain.
func (e *Engine) deadLetter(ctx context.Context, item queue.Item, reason string) {
	e.qmu.Lock()
	state, err := e.store.LoadQueue(ctx)
	if err == nil {
		state = queue.Remove(state, item.ID)
		err = e.store.SaveQueue(ctx, state)
	}
	e.qmu.Unlock()
	if err != nil {
		slog.Error("failed to remove dead item from queue", "component", "engine", "item_id", item.ID, "error", err)
	}

	dl := store.DeadLetter{
		ID:       item.ID,
		Item:     item,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	}
	if err := e.store.AddDeadLetter(ctx, dl); err != nil {
		slog.Error("failed to record dead letter", "component", "engine", "item_id", item.ID, "error", err)
	}

	slog.Error("item dead-lettered",
		"component", "engine",
		"item_id", item.ID,
		"kind", item.Kind,
		"action", item.Action,
		"reason", reason,
	)
	e.bus.PublishNamed(events.SyncError, map[string]string{
		"itemId": item.ID,
		"error":  reason,
	})
}

// handleConflict routes a 409 through the resolver. Auto-resolutions are
// applied immediately; everything else parks the item and blocks its
// entity for the rest of the cycle. Returns (aborted, err).
func (e *Engine) handleConflict(ctx context.Context, item queue.Item, ce *remote.ConflictError, blocked map[string]struct{}, ref types.EntityRef, entityKey string) (bool, error) {
	outcome, err := e.resolver.Examine(item, ce)
	if err != nil {
		// Conflict on an undecodable item: nothing sensible to park.
		e.deadLetter(ctx, item, err.Error())
		return false, nil
	}

	if outcome.Auto {
		if outcome.AdoptServer {
			if err := e.adoptPayload(ctx, item.Kind, ce.ServerPayload); err != nil {
				return true, err
			}
		} else if item.Action == queue.ActionDelete {
			// Both sides agree the entity is gone; the local record and its
			// caches must converge exactly as a successful delete would.
			if err := e.dropEntity(ctx, item.Kind, ref.ID); err != nil {
				return true, err
			}
		}
		if err := e.confirm(ctx, item); err != nil {
			return true, err
		}
		slog.Info("conflict auto-resolved",
			"component", "engine",
			"item_id", item.ID,
			"adopt_server", outcome.AdoptServer,
		)
		return false, nil
	}

	// Park the item: it stays in the queue, skipped by drains, with both
	// snapshots retained by the resolver until a decision arrives.
	item.Status = queue.ItemAwaitingResolution
	e.qmu.Lock()
	state, err := e.store.LoadQueue(ctx)
	if err == nil {
		state = queue.Replace(state, item)
		err = e.store.SaveQueue(ctx, state)
	}
	e.qmu.Unlock()
	if err != nil {
		return true, fmt.Errorf("persist parked item: %w", err)
	}

	blocked[entityKey] = struct{}{}
	e.bus.PublishNamed(events.ConflictFound, map[string]any{
		"itemId":     item.ID,
		"entityId":   outcome.Parked.EntityID,
		"kind":       item.Kind,
		"localDate":  outcome.Parked.LocalDate,
		"serverDate": outcome.Parked.ServerDate,
	})
	slog.Warn("conflict parked for user resolution",
		"component", "engine",
		"item_id", item.ID,
		"entity_id", outcome.Parked.EntityID,
	)
	return false, nil
}

// ResolveConflict applies an explicit user decision to a parked conflict.
// "server" adopts the server copy locally and drops the queued mutation;
// "local" re-arms the mutation as an update based on the server's version
// so the local content wins the next drain.
func (e *Engine) ResolveConflict(ctx context.Context, id string, choice conflict.Choice) error {
	res, err := e.resolver.Resolve(id, choice)
	if err != nil {
		return err
	}
	c := res.Conflict

	switch res.Choice {
	case conflict.ChoiceServer:
		if c.ServerDeleted || len(c.ServerPayload) == 0 {
			if err := e.dropEntity(ctx, c.Kind, c.EntityID); err != nil {
				e.resolver.Restore(c)
				return err
			}
		} else if err := e.adoptPayload(ctx, c.Kind, c.ServerPayload); err != nil {
			e.resolver.Restore(c)
			return err
		}
		if err := e.confirm(ctx, c.Item); err != nil {
			e.resolver.Restore(c)
			return err
		}

	case conflict.ChoiceLocal:
		item, err := rearmLocal(c)
		if err != nil {
			e.resolver.Restore(c)
			return err
		}
		e.qmu.Lock()
		state, lerr := e.store.LoadQueue(ctx)
		if lerr == nil {
			state = queue.Replace(state, item)
			lerr = e.store.SaveQueue(ctx, state)
		}
		e.qmu.Unlock()
		if lerr != nil {
			e.resolver.Restore(c)
			return fmt.Errorf("persist re-armed item: %w", lerr)
		}
	}

	slog.Info("conflict resolved",
		"component", "engine",
		"item_id", id,
		"choice", res.Choice,
	)
	return nil
}

// rearmLocal converts a parked item back into a pending mutation whose
// base is the server's current version, so the re-push supersedes it.
func rearmLocal(c *conflict.Conflict) (queue.Item, error) {
	item := c.Item
	item.Status = queue.ItemPending
	item.RetryCount = 0
	item.NextAttemptAt = time.Now().UTC()

	// A create that conflicted means the entity already exists server-side;
	// replay it as an update. Deletes stay deletes.
	if item.Action == queue.ActionCreate {
		item.Action = queue.ActionUpdate
	}

	// Every replay carries the server's version as its base, deletes
	// included, or the re-push would hit the same divergence check again.
	rebased, err := rebasePayload(item.Data, c.ServerDate)
	if err != nil {
		return queue.Item{}, fmt.Errorf("rebase local payload: %w", err)
	}
	item.Data = rebased
	return item, nil
}

// rebasePayload sets the payload's updated_at to the server's current
// version marker so the next push passes the divergence check.
func rebasePayload(data json.RawMessage, serverDate time.Time) (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m["updated_at"] = serverDate.UTC().Format(time.RFC3339Nano)
	return json.Marshal(m)
}

// RequeueDeadLetter moves a dead letter back into the active queue with a
// fresh retry budget.
func (e *Engine) RequeueDeadLetter(ctx context.Context, id string) error {
	dl, err := e.store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}

	item := dl.Item
	item.RetryCount = 0
	item.Status = queue.ItemPending
	item.NextAttemptAt = time.Now().UTC()

	e.qmu.Lock()
	state, lerr := e.store.LoadQueue(ctx)
	if lerr == nil {
		if _, exists := queue.Find(state, item.ID); !exists {
			state.Items = append(state.Items, item)
		}
		lerr = e.store.SaveQueue(ctx, state)
	}
	e.qmu.Unlock()
	if lerr != nil {
		return fmt.Errorf("requeue dead letter: %w", lerr)
	}

	return e.store.RemoveDeadLetter(ctx, id)
}

func (e *Engine) adoptPayload(ctx context.Context, kind types.EntityKind, payload json.RawMessage) error {
	switch kind {
	case types.KindNote:
		var n types.Note
		if err := json.Unmarshal(payload, &n); err != nil {
			return fmt.Errorf("decode server note: %w", err)
		}
		return e.adoptNote(ctx, &n)
	case types.KindFolder:
		var f types.Folder
		if err := json.Unmarshal(payload, &f); err != nil {
			return fmt.Errorf("decode server folder: %w", err)
		}
		return e.adoptFolder(ctx, &f)
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
}

func (e *Engine) backoff(retries int) time.Duration {
	d := e.opts.BackoffBase << uint(retries-1)
	if d > e.opts.BackoffMax || d <= 0 {
		return e.opts.BackoffMax
	}
	return d
}

func (e *Engine) setQueueStatus(ctx context.Context, status queue.Status) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	state, err := e.store.LoadQueue(ctx)
	if err != nil {
		slog.Error("failed to load queue for status update", "component", "engine", "error", err)
		return
	}
	state.Status = status
	if err := e.store.SaveQueue(ctx, state); err != nil {
		slog.Error("failed to persist queue status", "component", "engine", "status", status, "error", err)
	}
}

// finishCycle persists the terminal cycle status; the last-sync marker is
// only stamped when the drain ran to completion.
func (e *Engine) finishCycle(ctx context.Context, at time.Time, status queue.Status, completed bool) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	state, err := e.store.LoadQueue(ctx)
	if err != nil {
		slog.Error("failed to load queue to finish cycle", "component", "engine", "error", err)
		return
	}
	if completed {
		state.LastSyncTime = at
	}
	state.Status = status
	if err := e.store.SaveQueue(ctx, state); err != nil {
		slog.Error("failed to persist cycle completion", "component", "engine", "error", err)
	}
}

func isConflict(err error) bool {
	_, ok := remote.IsConflict(err)
	return ok
}
