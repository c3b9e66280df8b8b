package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/codegachi/syncnapse-agent/internal/conflict"
	"github.com/codegachi/syncnapse-agent/internal/engine"
	"github.com/codegachi/syncnapse-agent/internal/queue"
	"github.com/codegachi/syncnapse-agent/internal/store"
)

func TestWriteProblem(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/conflicts/abc", nil)
	w := httptest.NewRecorder()

	WriteProblem(w, r, http.StatusNotFound, "Conflict not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var p Problem
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if p.Type != "https://syncnapse.io/errors/not-found" || p.Title != "Not Found" {
		t.Errorf("problem = %+v", p)
	}
	if p.Detail != "Conflict not found" || p.Instance != "/api/v1/conflicts/abc" {
		t.Errorf("problem = %+v", p)
	}
}

func TestWriteProblem_UnknownStatus(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	WriteProblem(w, r, http.StatusTeapot, "short and stout")

	var p Problem
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if p.Type != "https://syncnapse.io/errors/unknown" {
		t.Errorf("type = %q", p.Type)
	}
}

func TestMapDomainError(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("load: %w", store.ErrNotFound), http.StatusNotFound},
		{"sync in progress", engine.ErrSyncInProgress, http.StatusConflict},
		{"unknown conflict", conflict.ErrUnknownConflict, http.StatusNotFound},
		{"invalid input", fmt.Errorf("%w: unknown kind", queue.ErrInvalidInput), http.StatusUnprocessableEntity},
		{"anything else", errors.New("disk corrupted at sector 7"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			w := httptest.NewRecorder()
			MapDomainError(w, r, tc.err)

			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tc.wantStatus)
			}
		})
	}
}

func TestMapDomainError_HidesInternalDetail(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	MapDomainError(w, r, errors.New("dsn=user:hunter2@tcp(db)/prod"))

	var p Problem
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if p.Detail != "Internal Server Error" {
		t.Errorf("detail = %q, internal errors must not leak", p.Detail)
	}
}
