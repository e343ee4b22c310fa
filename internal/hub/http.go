// ABOUTME: HTTP routing for the hub: REST API, health probes and observer endpoints
// ABOUTME: Read endpoints need the observe scope and commands need operate when auth is enabled

package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/fleet-hub/internal/auth"
	"github.com/2389/fleet-hub/internal/router"
)

// maxCommandBody caps POST /api/commands request bodies.
const maxCommandBody = 64 << 10

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReady)

	mux.Handle("GET /ws", h.protect(auth.ScopeObserve, http.HandlerFunc(h.handleWebSocket)))
	mux.Handle("GET /events", h.protect(auth.ScopeObserve, http.HandlerFunc(h.handleEvents)))

	mux.Handle("GET /api/agents", h.protect(auth.ScopeObserve, http.HandlerFunc(h.handleListAgents)))
	mux.Handle("GET /api/agents/{id}", h.protect(auth.ScopeObserve, http.HandlerFunc(h.handleGetAgent)))
	mux.Handle("GET /api/tickets", h.protect(auth.ScopeObserve, http.HandlerFunc(h.handleTickets)))
	mux.Handle("GET /api/server", h.protect(auth.ScopeObserve, http.HandlerFunc(h.handleServerStatus)))
	mux.Handle("POST /api/commands", h.protect(auth.ScopeOperate, http.HandlerFunc(h.handleCommand)))

	return mux
}

// protect wraps next with JWT auth when a secret is configured.
func (h *Hub) protect(need auth.Scope, next http.Handler) http.Handler {
	if h.verifier == nil {
		return next
	}
	return auth.HTTPAuthMiddleware(h.verifier, need)(next)
}

// handleHealth returns 200 OK if the server is running.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the hub has at least one agent connected.
func (h *Hub) handleReady(w http.ResponseWriter, r *http.Request) {
	n := h.registry.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

func (h *Hub) handleListAgents(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.registry.Snapshot())
}

func (h *Hub) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, ok := h.registry.Get(id)
	if !ok {
		sendJSONError(w, http.StatusNotFound, "agent not found: "+id)
		return
	}
	h.writeJSON(w, http.StatusOK, agent)
}

func (h *Hub) handleTickets(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ticket_map": h.registry.TicketMap()})
}

func (h *Hub) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"status": h.registry.ServerStatus()})
}

// handleCommand executes one operator command and returns its result.
// The request blocks until every targeted agent replied or timed out.
func (h *Hub) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd router.Command
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody))
	if err := dec.Decode(&cmd); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := cmd.Validate(); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, router.ErrUnknownAction) {
			status = http.StatusUnprocessableEntity
		}
		sendJSONError(w, status, err.Error())
		return
	}

	result := h.router.Execute(r.Context(), cmd, nil)
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Hub) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write JSON response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
