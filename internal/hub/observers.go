// ABOUTME: Observer endpoints: WebSocket for events and commands, SSE for read-only event streams
// ABOUTME: Each connection subscribes to the broadcast hub and gets the state replay first

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/fleet-hub/internal/auth"
	"github.com/2389/fleet-hub/internal/broadcast"
	"github.com/2389/fleet-hub/internal/registry"
	"github.com/2389/fleet-hub/internal/router"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxMessage   = 64 << 10
	errForbidden   = "forbidden: token scope does not allow operate"
	errInvalidJSON = "invalid command JSON"
)

// makeUpgrader builds a websocket.Upgrader that accepts any origin when the
// list is empty or contains "*". Requests without an Origin header are always
// accepted (non-browser observers).
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return allowed[origin]
		},
	}
}

// handleWebSocket serves one observer over a WebSocket. Events flow out on a
// writer goroutine; commands are read and executed in arrival order.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	obs, err := h.broadcast.Subscribe(ctx, h.registry)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub shutting down"),
			time.Now().Add(wsWriteWait))
		return
	}
	h.logger.Info("observer connected", "observer_id", obs.ID, "transport", "websocket", "remote_addr", r.RemoteAddr)
	defer h.logger.Info("observer disconnected", "observer_id", obs.ID, "transport", "websocket")

	keepalive := h.config.Observers.KeepaliveInterval
	pongWait := 2 * keepalive
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeObserverEvents(ctx, conn, obs, keepalive)
		// Unblock the reader below.
		_ = conn.Close()
	}()

	canOperate := auth.Permits(r.Context(), auth.ScopeOperate)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("observer read failed", "observer_id", obs.ID, "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleObserverCommand(ctx, obs, data, canOperate)
	}

	cancel()
	<-writerDone
}

// handleObserverCommand decodes and executes one command from an observer.
func (h *Hub) handleObserverCommand(ctx context.Context, obs *broadcast.Observer, data []byte, canOperate bool) {
	var cmd router.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		obs.Deliver(registry.CommandResultEvent(registry.CommandResult{Error: errInvalidJSON}))
		return
	}
	if !canOperate && !cmd.ReadOnly() {
		obs.Deliver(registry.CommandResultEvent(registry.CommandResult{Action: cmd.Action, Error: errForbidden}))
		return
	}
	h.router.Execute(ctx, cmd, obs)
}

// writeObserverEvents drains the observer queue onto conn and pings on the
// keepalive interval. Returns when the observer is evicted or a write fails.
func (h *Hub) writeObserverEvents(ctx context.Context, conn *websocket.Conn, obs *broadcast.Observer, keepalive time.Duration) {
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-obs.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "observer closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal event", "type", event.Type, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// handleEvents serves one read-only observer as a Server-Sent Events stream.
func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	obs, err := h.broadcast.Subscribe(r.Context(), h.registry)
	if err != nil {
		if errors.Is(err, broadcast.ErrClosed) {
			sendJSONError(w, http.StatusServiceUnavailable, "hub shutting down")
			return
		}
		sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("observer connected", "observer_id", obs.ID, "transport", "sse", "remote_addr", r.RemoteAddr)
	defer h.logger.Info("observer disconnected", "observer_id", obs.ID, "transport", "sse")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.config.Observers.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-obs.Events():
			if !ok {
				return
			}
			if err := h.writeSSEEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one event in SSE wire format.
func (h *Hub) writeSSEEvent(w http.ResponseWriter, event registry.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal SSE event", "type", event.Type, "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
