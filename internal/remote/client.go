// Package remote is the HTTP client for the SyncNapse API, one method per
// (entity, action) pair. Every outcome is typed: success carries the
// authoritative server copy, failure is a conflict, transient, or fatal
// error so the sync engine can pick the right policy without inspecting
// status codes itself.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codegachi/syncnapse-agent/internal/types"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	// connectAttempts bounds the short in-dispatch retry for connection-level
	// errors. Cross-cycle retries are the engine's job; this only smooths
	// over momentary blips inside one dispatch.
	connectAttempts = 2

	connectBackoffBase = 250 * time.Millisecond
)

// Client talks to the remote SyncNapse API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client with a bounded per-dispatch timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Ping checks connectivity to the remote API.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, "")
	return err
}

// CreateNote pushes a locally created note. idemKey deduplicates replays of
// the same queue item after a crash mid-drain.
func (c *Client) CreateNote(ctx context.Context, n *types.Note, idemKey string) (*types.Note, error) {
	return c.putEntityNote(ctx, http.MethodPost, "/api/v1/notes", n, idemKey)
}

// UpdateNote pushes a local note edit. The note's UpdatedAt is the base the
// server checks for divergence; a stale base yields a ConflictError.
func (c *Client) UpdateNote(ctx context.Context, n *types.Note, idemKey string) (*types.Note, error) {
	return c.putEntityNote(ctx, http.MethodPut, "/api/v1/notes/"+url.PathEscape(n.ID), n, idemKey)
}

// DeleteNote pushes a local note deletion. base is the last server
// UpdatedAt the client saw for the note.
func (c *Client) DeleteNote(ctx context.Context, id string, base time.Time, idemKey string) error {
	path := fmt.Sprintf("/api/v1/notes/%s?base=%s",
		url.PathEscape(id), url.QueryEscape(base.UTC().Format(time.RFC3339Nano)))
	_, err := c.do(ctx, http.MethodDelete, path, nil, idemKey)
	return err
}

// CreateFolder pushes a locally created folder.
func (c *Client) CreateFolder(ctx context.Context, f *types.Folder, idemKey string) (*types.Folder, error) {
	return c.putEntityFolder(ctx, http.MethodPost, "/api/v1/folders", f, idemKey)
}

// UpdateFolder pushes a local folder edit.
func (c *Client) UpdateFolder(ctx context.Context, f *types.Folder, idemKey string) (*types.Folder, error) {
	return c.putEntityFolder(ctx, http.MethodPut, "/api/v1/folders/"+url.PathEscape(f.ID), f, idemKey)
}

// DeleteFolder pushes a local folder deletion.
func (c *Client) DeleteFolder(ctx context.Context, id string, base time.Time, idemKey string) error {
	path := fmt.Sprintf("/api/v1/folders/%s?base=%s",
		url.PathEscape(id), url.QueryEscape(base.UTC().Format(time.RFC3339Nano)))
	_, err := c.do(ctx, http.MethodDelete, path, nil, idemKey)
	return err
}

func (c *Client) putEntityNote(ctx context.Context, method, path string, n *types.Note, idemKey string) (*types.Note, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal note: %w", err)
	}
	respBody, err := c.do(ctx, method, path, body, idemKey)
	if err != nil {
		return nil, err
	}
	var server types.Note
	if err := json.Unmarshal(respBody, &server); err != nil {
		return nil, fmt.Errorf("decode server note: %w", err)
	}
	return &server, nil
}

func (c *Client) putEntityFolder(ctx context.Context, method, path string, f *types.Folder, idemKey string) (*types.Folder, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal folder: %w", err)
	}
	respBody, err := c.do(ctx, method, path, body, idemKey)
	if err != nil {
		return nil, err
	}
	var server types.Folder
	if err := json.Unmarshal(respBody, &server); err != nil {
		return nil, fmt.Errorf("decode server folder: %w", err)
	}
	return &server, nil
}

// conflictBody is the 409 response shape: the server's current copy plus
// the metadata the resolver needs.
type conflictBody struct {
	Server          json.RawMessage `json:"server"`
	ServerUpdatedAt time.Time       `json:"server_updated_at"`
	Deleted         bool            `json:"deleted"`
}

// problem is the subset of an RFC 7807 response the client reads.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// do executes one dispatch. Connection-level errors get a short fibonacci
// backoff within the call; everything that produced an HTTP response is
// classified once and returned to the engine.
func (c *Client) do(ctx context.Context, method, path string, body []byte, idemKey string) ([]byte, error) {
	op := method + " " + path
	var respBody []byte

	backoff := retry.WithMaxRetries(connectAttempts, retry.NewFibonacci(connectBackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("%s: build request: %w", op, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		if idemKey != "" {
			req.Header.Set("Idempotency-Key", idemKey)
		}
		req.Header.Set("X-Request-ID", uuid.NewString())

		resp, err := c.http.Do(req)
		if err != nil {
			// No HTTP response at all: the server is unreachable. Retry
			// briefly here, surface as unreachable-transient if it persists.
			return retry.RetryableError(&TransientError{Op: op, Err: err, Unreachable: true})
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(&TransientError{Op: op, Err: err})
		}

		if outcome := classify(op, resp.StatusCode, data); outcome != nil {
			return outcome
		}
		respBody = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return respBody, nil
}

// classify maps an HTTP response to the failure taxonomy. Returns nil for
// success.
func classify(op string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil

	case status == http.StatusConflict:
		var cb conflictBody
		entityID := ""
		if err := json.Unmarshal(body, &cb); err == nil && cb.Server != nil {
			if ref, err := types.ExtractRef("", cb.Server); err == nil {
				entityID = ref.ID
			}
		}
		return &ConflictError{
			EntityID:        entityID,
			ServerPayload:   cb.Server,
			ServerUpdatedAt: cb.ServerUpdatedAt,
			ServerDeleted:   cb.Deleted,
		}

	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("server responded %d", status)}

	default:
		var p problem
		detail := http.StatusText(status)
		if err := json.Unmarshal(body, &p); err == nil && p.Detail != "" {
			detail = p.Detail
		}
		return &FatalError{Op: op, Status: status, Detail: detail}
	}
}
