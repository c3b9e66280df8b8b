package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	// eventBuffer bounds the per-connection event backlog. A client that
	// falls further behind loses events rather than stalling publishers.
	eventBuffer = 64

	writeTimeout = 5 * time.Second
)

// Events handles GET /api/v1/events: a WebSocket stream of sync lifecycle
// events. Each connection gets its own subscription; slow consumers drop
// events instead of blocking the engine.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The control API binds to loopback; cross-origin local UIs
		// (Electron, dev servers) are expected clients.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket upgrade failed", "component", "api", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub, cancel := h.bus.Subscribe(eventBuffer)
	defer cancel()

	slog.Debug("event stream client connected", "component", "api", "remote_ip", r.RemoteAddr)

	// Reader goroutine: we never process client messages, but reading is
	// required to notice disconnects and answer control frames.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-readDone:
			return
		case ev, ok := <-sub:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("failed to marshal event", "component", "api", "event", ev.Name, "error", err)
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(r.Context(), writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				slog.Debug("event stream client gone", "component", "api", "error", err)
				return
			}
		}
	}
}
