// ABOUTME: Observer fan-out hub with per-observer bounded queues and consistent replay on subscribe
// ABOUTME: Slow observers are evicted instead of blocking publishers

package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/fleet-hub/internal/registry"
)

// DefaultBufferSize is the per-observer queue length.
const DefaultBufferSize = 256

// replayEvents is the number of events queued by Subscribe.
const replayEvents = 3

// ErrClosed indicates the hub has been closed.
var ErrClosed = errors.New("broadcast hub closed")

// Source provides a consistent registry view. *registry.Registry implements it.
type Source interface {
	Observe(fn func(registry.State))
}

// Observer is one subscription.
type Observer struct {
	ID string

	hub    *Hub
	events chan registry.Event
	done   chan struct{}
	closed bool // guarded by hub.mu
}

// Events returns the observer's queue. It is closed when the observer is
// removed.
func (o *Observer) Events() <-chan registry.Event {
	return o.events
}

// Done is closed when the observer is removed.
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

// Deliver queues an event for this observer only. It returns false if the
// observer was already removed or was evicted because its queue is full.
func (o *Observer) Deliver(event registry.Event) bool {
	o.hub.mu.Lock()
	defer o.hub.mu.Unlock()
	return o.hub.offerLocked(o, event)
}

// Hub tracks observers and fans events out to them.
type Hub struct {
	mu         sync.Mutex
	observers  map[string]*Observer
	bufferSize int
	closed     bool
	logger     *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger, bufferSize int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if bufferSize < replayEvents {
		bufferSize = replayEvents
	}
	return &Hub{
		observers:  make(map[string]*Observer),
		bufferSize: bufferSize,
		logger:     logger.With("component", "broadcast"),
	}
}

// Subscribe registers a new observer with the replay already queued. The
// observer is removed automatically when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, source Source) (*Observer, error) {
	obs := &Observer{
		ID:     uuid.New().String(),
		hub:    h,
		events: make(chan registry.Event, h.bufferSize),
		done:   make(chan struct{}),
	}

	var err error
	source.Observe(func(state registry.State) {
		h.mu.Lock()
		defer h.mu.Unlock()

		if h.closed {
			err = ErrClosed
			return
		}
		obs.events <- registry.ServerStatusEvent(state.ServerStatus)
		obs.events <- registry.ClientsListEvent(state.Agents)
		obs.events <- registry.TicketMapEvent(state.TicketMap)
		h.observers[obs.ID] = obs
	})
	if err != nil {
		return nil, err
	}

	h.logger.Debug("observer added", "observer_id", obs.ID)

	go func() {
		select {
		case <-ctx.Done():
			h.Unsubscribe(obs)
		case <-obs.done:
		}
	}()

	return obs, nil
}

// Publish queues event for every observer without blocking. It has the
// registry.Sink signature.
func (h *Hub) Publish(event registry.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, obs := range h.observers {
		h.offerLocked(obs, event)
	}
}

func (h *Hub) offerLocked(obs *Observer, event registry.Event) bool {
	if obs.closed {
		return false
	}
	select {
	case obs.events <- event:
		return true
	default:
		h.logger.Warn("evicting slow observer",
			"observer_id", obs.ID,
			"event", event.Type,
			"buffer_size", h.bufferSize)
		h.removeLocked(obs)
		return false
	}
}

// Unsubscribe removes obs and closes its queue. Safe to call repeatedly.
func (h *Hub) Unsubscribe(obs *Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if obs.closed {
		return
	}
	h.removeLocked(obs)
	h.logger.Debug("observer removed", "observer_id", obs.ID)
}

func (h *Hub) removeLocked(obs *Observer) {
	obs.closed = true
	delete(h.observers, obs.ID)
	close(obs.events)
	close(obs.done)
}

// Len returns the number of live observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Close removes every observer and rejects further subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, obs := range h.observers {
		h.removeLocked(obs)
	}
	h.logger.Debug("broadcast hub closed")
}
