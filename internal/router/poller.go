// ABOUTME: Periodic status polling that tracks agent responsiveness
// ABOUTME: Consecutive timeouts degrade an agent's health; any reply restores it

package router

import (
	"context"
	"errors"
	"time"

	"github.com/2389/fleet-hub/internal/protocol"
	"github.com/2389/fleet-hub/internal/registry"
	"github.com/2389/fleet-hub/internal/transport"
)

// RunPoller polls every agent each interval until ctx is cancelled.
func (r *Router) RunPoller(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PollStatus(ctx)
		}
	}
}

// PollStatus sends CLIENT_STATUS_REQUEST to every agent and waits for the
// replies, updating status and health.
func (r *Router) PollStatus(ctx context.Context) {
	ids := r.reg.IDs()
	r.pruneFailures(ids)

	var result registry.CommandResult
	calls := r.issue(&result, ids, protocol.New(protocol.ClientStatusRequest))
	r.await(ctx, calls)

	for _, pc := range calls {
		switch {
		case pc.err == nil:
			r.applyStatus(pc.agentID, protocol.Status(pc.resp.Field(0)))
			r.recordHealth(pc.agentID, true)
		case errors.Is(pc.err, transport.ErrTimeout):
			r.recordHealth(pc.agentID, false)
		default:
			// Closed sessions are about to unregister; cancelled polls say nothing.
			r.logger.Debug("status poll abandoned", "agent_id", pc.agentID, "error", pc.err)
		}
	}
}

func (r *Router) recordHealth(agentID string, replied bool) {
	r.mu.Lock()
	if replied {
		delete(r.failures, agentID)
	} else {
		r.failures[agentID]++
	}
	misses := r.failures[agentID]
	r.mu.Unlock()

	health := registry.HealthOK
	switch {
	case misses >= r.unhealthyAfter:
		health = registry.HealthUnhealthy
	case misses > 0:
		health = registry.HealthDegraded
	}
	if misses > 0 {
		r.logger.Warn("agent missed status poll", "agent_id", agentID, "misses", misses, "health", health)
	}
	_ = r.reg.SetHealth(agentID, health)
}

func (r *Router) pruneFailures(live []string) {
	keep := make(map[string]bool, len(live))
	for _, id := range live {
		keep[id] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.failures {
		if !keep[id] {
			delete(r.failures, id)
		}
	}
}
