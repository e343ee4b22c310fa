// ABOUTME: TCP accept loop and per-agent connection lifecycle
// ABOUTME: Each agent gets a transport session, a registry record and an in-order dispatch loop

package hub

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/2389/fleet-hub/internal/transport"
)

// serveAgents accepts agent connections until ln is closed.
func (h *Hub) serveAgents(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				h.logger.Warn("temporary accept error", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}

		h.sessions.Add(1)
		go func() {
			defer h.sessions.Done()
			h.handleAgent(ctx, conn)
		}()
	}
}

// handleAgent owns one agent connection from accept to unregister.
func (h *Hub) handleAgent(ctx context.Context, conn net.Conn) {
	sess := transport.NewSession(conn, transport.Options{
		Logger:         h.logger,
		OutboundBuffer: h.config.Agents.OutboundBuffer,
		MaxPending:     h.config.Agents.MaxPending,
		WriteTimeout:   h.config.Agents.WriteTimeout,
	})

	agent := h.registry.Register(sess)
	sess.OnFrame(func(at time.Time) {
		_ = h.registry.Touch(agent.ID, at)
	})
	sess.Start(ctx)

	for in := range sess.Inbound() {
		h.router.HandleInbound(agent.ID, in)
	}

	h.registry.Unregister(agent.ID)
	_ = sess.Close()

	if err := sess.Err(); err != nil && ctx.Err() == nil {
		h.logger.Warn("agent connection ended with error", "agent_id", agent.ID, "error", err)
	}
}
