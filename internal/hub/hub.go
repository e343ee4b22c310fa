// ABOUTME: Hub orchestrator that coordinates the agent TCP listener and the HTTP server
// ABOUTME: Wires registry, router and broadcast hub, and manages startup and graceful shutdown

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/tsnet"

	"github.com/2389/fleet-hub/internal/auth"
	"github.com/2389/fleet-hub/internal/broadcast"
	"github.com/2389/fleet-hub/internal/config"
	"github.com/2389/fleet-hub/internal/registry"
	"github.com/2389/fleet-hub/internal/router"
)

// shutdownTimeout bounds graceful shutdown once the run context ends.
const shutdownTimeout = 5 * time.Second

// Hub orchestrates the fleet-hub server components.
type Hub struct {
	config      *config.Config
	registry    *registry.Registry
	broadcast   *broadcast.Hub
	router      *router.Router
	verifier    *auth.JWTVerifier
	upgrader    websocket.Upgrader
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	agentLn  net.Listener
	sessions sync.WaitGroup
}

// New creates a Hub from cfg. It does not open any listeners.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bcast := broadcast.NewHub(logger, cfg.Observers.BufferSize)
	reg := registry.New(registry.Options{
		Logger:      logger,
		LogCapacity: cfg.Agents.LogCapacity,
		Sink:        bcast.Publish,
	})
	rt := router.New(reg, router.Options{
		Logger:         logger,
		RequestTimeout: cfg.Agents.RequestTimeout,
		UnhealthyAfter: cfg.Agents.UnhealthyAfter,
	})

	h := &Hub{
		config:    cfg,
		registry:  reg,
		broadcast: bcast,
		router:    rt,
		upgrader:  makeUpgrader(cfg.Observers.AllowedOrigins),
		logger:    logger.With("component", "hub"),
	}

	if cfg.Auth.JWTSecret != "" {
		h.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		h.logger.Info("HTTP auth middleware enabled")
	} else {
		h.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	h.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return h, nil
}

// Registry returns the hub's agent registry.
func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

// setupTCPListeners creates standard TCP listeners for agents and HTTP.
func (h *Hub) setupTCPListeners() (agentLn, httpLn net.Listener, err error) {
	agentLn, err = net.Listen("tcp", h.config.Server.AgentAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on agent address: %w", err)
	}

	httpLn, err = net.Listen("tcp", h.config.Server.HTTPAddr)
	if err != nil {
		_ = agentLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return agentLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (h *Hub) setupListeners(ctx context.Context) (agentLn, httpLn net.Listener, err error) {
	if h.config.Tailscale.Enabled {
		return h.setupTailscaleListeners(ctx)
	}
	return h.setupTCPListeners()
}

// Run opens the configured listeners and serves until ctx is cancelled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (h *Hub) Run(ctx context.Context) error {
	agentLn, httpLn, err := h.setupListeners(ctx)
	if err != nil {
		return err
	}
	return h.Serve(ctx, agentLn, httpLn)
}

// Serve runs the hub on already-open listeners until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, agentLn, httpLn net.Listener) error {
	h.agentLn = agentLn

	errCh := h.startServers(ctx, agentLn, httpLn)

	if interval := h.config.Agents.StatusPollInterval; interval > 0 {
		go h.router.RunPoller(ctx, interval)
	}

	serverErr := h.waitForShutdownSignal(ctx, errCh)
	shutdownErr := h.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServers starts the agent accept loop and HTTP server in goroutines.
func (h *Hub) startServers(ctx context.Context, agentLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		h.logger.Info("agent listener ready", "addr", agentLn.Addr().String())
		if err := h.serveAgents(ctx, agentLn); err != nil {
			errCh <- fmt.Errorf("agent listener: %w", err)
		}
	}()

	go func() {
		h.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := h.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (h *Hub) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		h.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		h.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			h.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (h *Hub) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting agents, disconnects observers, stops the HTTP
// server and waits for agent sessions to unwind.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("shutting down hub")

	var errs []error
	if h.agentLn != nil {
		errs = appendCloseError(errs, "agent listener close", h.agentLn.Close())
	}

	// Closing observer queues lets SSE and WebSocket handlers return.
	h.broadcast.Close()
	errs = appendCloseError(errs, "HTTP shutdown", h.httpServer.Shutdown(ctx))

	for _, id := range h.registry.IDs() {
		if conn, ok := h.registry.Conn(id); ok {
			_ = conn.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("agent sessions: %w", ctx.Err()))
	}

	if h.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", h.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
