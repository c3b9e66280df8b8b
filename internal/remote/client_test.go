package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codegachi/syncnapse-agent/internal/types"
)

func testNote() *types.Note {
	return &types.Note{
		ID:        "n1",
		Title:     "groceries",
		Content:   "milk",
		UpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestCreateNote_ReturnsServerCopy(t *testing.T) {
	var gotIdemKey, gotAuth, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/notes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotIdemKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")

		var n types.Note
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		// Server stamps the authoritative timestamp.
		n.UpdatedAt = time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(n)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-key", 5*time.Second)
	server, err := client.CreateNote(context.Background(), testNote(), "item-01")
	if err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}

	if server.UpdatedAt.IsZero() || !server.UpdatedAt.After(testNote().UpdatedAt) {
		t.Errorf("server copy should carry the authoritative timestamp, got %v", server.UpdatedAt)
	}
	if gotIdemKey != "item-01" {
		t.Errorf("Idempotency-Key = %q, want item-01", gotIdemKey)
	}
	if gotAuth != "Bearer secret-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotRequestID == "" {
		t.Error("X-Request-ID should be set")
	}
}

func TestUpdateNote_ConflictCarriesServerState(t *testing.T) {
	serverCopy := `{"id":"n1","title":"groceries (edited elsewhere)","content":"milk, eggs","updated_at":"2026-03-01T11:00:00Z"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"server":` + serverCopy + `,"server_updated_at":"2026-03-01T11:00:00Z","deleted":false}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second)
	_, err := client.UpdateNote(context.Background(), testNote(), "item-02")

	ce, ok := IsConflict(err)
	if !ok {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.EntityID != "n1" {
		t.Errorf("conflict entity id = %q, want n1", ce.EntityID)
	}
	if ce.ServerDeleted {
		t.Error("conflict should not report server deletion")
	}
	want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if !ce.ServerUpdatedAt.Equal(want) {
		t.Errorf("server updated_at = %v, want %v", ce.ServerUpdatedAt, want)
	}
	if len(ce.ServerPayload) == 0 {
		t.Error("conflict should carry the server payload")
	}
}

func TestDeleteNote_SendsBaseAndClassifiesDeletedConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		if r.URL.Query().Get("base") == "" {
			t.Error("delete should carry the base timestamp")
		}
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"deleted":true,"server_updated_at":"2026-03-01T12:00:00Z"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second)
	err := client.DeleteNote(context.Background(), "n1", testNote().UpdatedAt, "item-03")

	ce, ok := IsConflict(err)
	if !ok {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if !ce.ServerDeleted {
		t.Error("conflict should report the server-side deletion")
	}
}

func TestDo_ServerErrorsAreTransient(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests, http.StatusRequestTimeout} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		client := NewClient(srv.URL, "", 5*time.Second)
		_, err := client.UpdateFolder(context.Background(), &types.Folder{ID: "f1", Name: "inbox"}, "item-04")
		srv.Close()

		if !IsTransient(err) {
			t.Errorf("status %d: expected TransientError, got %v", status, err)
		}
		if IsUnreachable(err) {
			t.Errorf("status %d: a response was received, should not be unreachable", status)
		}
	}
}

func TestDo_ClientErrorsAreFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"title":"Validation Error","detail":"title too long"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second)
	_, err := client.CreateNote(context.Background(), testNote(), "item-05")

	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FatalError, got %v", err)
	}
	if fe.Detail != "title too long" {
		t.Errorf("fatal detail = %q, want RFC 7807 detail", fe.Detail)
	}
}

func TestDo_ConnectionRefusedIsUnreachable(t *testing.T) {
	// Grab a port that nothing listens on.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	client := NewClient(addr, "", 2*time.Second)
	err := client.Ping(context.Background())

	if !IsUnreachable(err) {
		t.Fatalf("expected unreachable TransientError, got %v", err)
	}
}

func TestDo_RetriesConnectionBlips(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Drop the first connection without a response.
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(testNote())
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second)
	_, err := client.CreateNote(context.Background(), testNote(), "item-06")
	if err != nil {
		t.Fatalf("CreateNote() after blip error = %v", err)
	}
	if calls.Load() < 2 {
		t.Errorf("expected at least 2 attempts, got %d", calls.Load())
	}
}
