// Package api exposes the agent's local control surface: sync status,
// queue inspection, manual sync triggers, conflict resolution, dead-letter
// management, and a WebSocket event stream for UIs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/codegachi/syncnapse-agent/internal/conflict"
	"github.com/codegachi/syncnapse-agent/internal/engine"
	"github.com/codegachi/syncnapse-agent/internal/events"
	"github.com/codegachi/syncnapse-agent/internal/queue"
	"github.com/codegachi/syncnapse-agent/internal/snapshot"
	"github.com/codegachi/syncnapse-agent/internal/store"
)

// Engine is the sync surface the handlers drive.
type Engine interface {
	Sync(ctx context.Context) (*engine.Result, error)
	Status(ctx context.Context) (engine.StatusSnapshot, error)
	Enqueue(ctx context.Context, in queue.Input) (queue.Item, error)
	ResolveConflict(ctx context.Context, id string, choice conflict.Choice) error
	RequeueDeadLetter(ctx context.Context, id string) error
}

// QueueReader exposes the persisted queue and dead letters for inspection.
type QueueReader interface {
	LoadQueue(ctx context.Context) (queue.State, error)
	ListDeadLetters(ctx context.Context) ([]store.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*store.DeadLetter, error)
}

// ConflictReader exposes parked conflicts for inspection.
type ConflictReader interface {
	Parked() []*conflict.Conflict
	Get(id string) (*conflict.Conflict, bool)
}

// Handler implements the control API handlers.
type Handler struct {
	engine    Engine
	reader    QueueReader
	conflicts ConflictReader
	bus       *events.Bus
	uploader  snapshot.Uploader
	deviceID  string
	apiKey    string
	version   string
}

// NewHandler creates a new Handler.
func NewHandler(eng Engine, reader QueueReader, conflicts ConflictReader, bus *events.Bus, uploader snapshot.Uploader, deviceID, apiKey, version string) *Handler {
	return &Handler{
		engine:    eng,
		reader:    reader,
		conflicts: conflicts,
		bus:       bus,
		uploader:  uploader,
		deviceID:  deviceID,
		apiKey:    apiKey,
		version:   version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "healthy",
		"version": h.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, http.StatusOK, resp)
}

// Status handles GET /api/v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Status(r.Context())
	if err != nil {
		slog.Error("status read failed", "component", "api", "error", err)
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Queue handles GET /api/v1/queue
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	state, err := h.reader.LoadQueue(r.Context())
	if err != nil {
		slog.Error("queue read failed", "component", "api", "error", err)
		MapDomainError(w, r, err)
		return
	}

	resp := struct {
		Items        []queue.Item `json:"items"`
		LastSyncTime time.Time    `json:"last_sync_time"`
		Status       queue.Status `json:"status"`
	}{
		Items:        state.Items,
		LastSyncTime: state.LastSyncTime,
		Status:       state.Status,
	}
	if resp.Items == nil {
		resp.Items = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Enqueue handles POST /api/v1/queue
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var in queue.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	item, err := h.engine.Enqueue(r.Context(), in)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// TriggerSync handles POST /api/v1/sync
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Sync(r.Context())
	if err != nil {
		if result != nil {
			// Partial cycle: report what happened alongside the error
			writeJSON(w, http.StatusOK, map[string]any{
				"result": result,
				"error":  err.Error(),
			})
			return
		}
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// ListConflicts handles GET /api/v1/conflicts
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	parked := h.conflicts.Parked()
	if parked == nil {
		parked = []*conflict.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": parked})
}

// GetConflict handles GET /api/v1/conflicts/{id}
func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.conflicts.Get(id)
	if !ok {
		WriteProblem(w, r, http.StatusNotFound, "Conflict not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// resolveRequest is the body of POST /api/v1/conflicts/{id}.
type resolveRequest struct {
	Choice conflict.Choice `json:"choice"`
}

// ResolveConflict handles POST /api/v1/conflicts/{id}
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if !req.Choice.Valid() {
		WriteProblem(w, r, http.StatusUnprocessableEntity, fmt.Sprintf("choice must be %q or %q", conflict.ChoiceLocal, conflict.ChoiceServer))
		return
	}

	if err := h.engine.ResolveConflict(r.Context(), id, req.Choice); err != nil {
		slog.Error("conflict resolution failed", "component", "api", "conflict_id", id, "error", err)
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"resolved": id, "choice": string(req.Choice)})
}

// SnapshotURL handles GET /api/v1/snapshot. It returns a pre-signed
// download URL for this device's latest database backup.
func (h *Handler) SnapshotURL(w http.ResponseWriter, r *http.Request) {
	u, expiry, err := h.uploader.PresignedURL(r.Context(), h.deviceID)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotConfigured) {
			WriteProblem(w, r, http.StatusNotFound, "Snapshot storage not configured")
			return
		}
		slog.Error("snapshot URL generation failed", "component", "api", "error", err)
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":        u,
		"expires_at": expiry.UTC().Format(time.RFC3339),
	})
}

// ListDeadLetters handles GET /api/v1/dead-letters
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.reader.ListDeadLetters(r.Context())
	if err != nil {
		slog.Error("dead letter list failed", "component", "api", "error", err)
		MapDomainError(w, r, err)
		return
	}
	if letters == nil {
		letters = []store.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

// RequeueDeadLetter handles POST /api/v1/dead-letters/{id}/requeue
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.RequeueDeadLetter(r.Context(), id); err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"requeued": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
