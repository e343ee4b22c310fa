// ABOUTME: Mutex-guarded registry of connected agents, ticket codes and server status
// ABOUTME: Emits observer events to a sink while holding the lock so event order matches mutation order

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/2389/fleet-hub/internal/protocol"
	"github.com/2389/fleet-hub/internal/transport"
)

// ErrAgentNotFound indicates the specified agent is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// idPrefix precedes the connection sequence number in agent ids.
const idPrefix = "CLIENT_"

// Health is the hub's view of an agent's responsiveness.
type Health string

const (
	HealthOK        Health = "ok"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Conn is the registry's handle on an agent's transport session.
type Conn interface {
	Send(msg protocol.Message) error
	Request(msg protocol.Message) (*transport.Call, error)
	RemoteAddr() string
	Close() error
}

// Agent is a copy of one agent record.
type Agent struct {
	ID          string            `json:"client_id"`
	Status      protocol.Status   `json:"status"`
	BotID       string            `json:"bot_id"`
	Variables   map[string]string `json:"variables"`
	Health      Health            `json:"health"`
	LastSeen    time.Time         `json:"last_seen"`
	ConnectedAt time.Time         `json:"connected_at"`
	RemoteAddr  string            `json:"remote_addr"`
	Logs        []string          `json:"logs"`
}

// State is a consistent copy of everything the registry owns.
type State struct {
	Agents       []Agent
	TicketMap    map[string]string
	ServerStatus protocol.ServerStatus
}

type record struct {
	seq         int
	id          string
	conn        Conn
	status      protocol.Status
	variables   map[string]string
	health      Health
	lastSeen    time.Time
	connectedAt time.Time
	logs        *logRing
}

func (r *record) view() Agent {
	return Agent{
		ID:          r.id,
		Status:      r.status,
		BotID:       r.variables[protocol.VarBotID],
		Variables:   maps.Clone(r.variables),
		Health:      r.health,
		LastSeen:    r.lastSeen,
		ConnectedAt: r.connectedAt,
		RemoteAddr:  r.conn.RemoteAddr(),
		Logs:        r.logs.slice(),
	}
}

// Options configures a Registry.
type Options struct {
	Logger      *slog.Logger
	LogCapacity int
	Sink        Sink
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Registry tracks every connected agent.
type Registry struct {
	mu           sync.Mutex
	nextSeq      int
	agents       map[string]*record
	tickets      map[string]string
	serverStatus protocol.ServerStatus

	sink        Sink
	logCapacity int
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an empty registry. Server status starts INACTIVE.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = DefaultLogCapacity
	}
	if opts.Sink == nil {
		opts.Sink = func(Event) {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		agents:       make(map[string]*record),
		tickets:      make(map[string]string),
		serverStatus: protocol.ServerInactive,
		sink:         opts.Sink,
		logCapacity:  opts.LogCapacity,
		logger:       opts.Logger.With("component", "registry"),
		now:          opts.Now,
	}
}

// Register records a newly accepted connection under the next CLIENT_n id.
func (r *Registry) Register(conn Conn) Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	now := r.now()
	rec := &record{
		seq:         r.nextSeq,
		id:          idPrefix + strconv.Itoa(r.nextSeq),
		conn:        conn,
		status:      protocol.StatusInactive,
		variables:   protocol.DefaultVariables(),
		health:      HealthOK,
		lastSeen:    now,
		connectedAt: now,
		logs:        newLogRing(r.logCapacity),
	}
	r.agents[rec.id] = rec

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", rec.id,
		"remote_addr", conn.RemoteAddr(),
		"total_agents", len(r.agents),
	)

	view := rec.view()
	r.sink(Event{Type: EventClientConnected, Client: &view})
	return view
}

// Unregister removes the agent. It returns false, and emits nothing, when
// the id is unknown, so repeated calls emit client_disconnected once.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", id,
		"total_agents", len(r.agents),
	)
	r.sink(Event{Type: EventClientDisconnected, ClientID: id})
	return true
}

// UpdateStatus stores the agent's self-reported status verbatim.
func (r *Registry) UpdateStatus(id string, status protocol.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if !status.Known() {
		r.logger.Warn("unknown agent status stored verbatim", "agent_id", id, "status", status)
	}
	rec.status = status
	r.emitUpdated(rec)
	return nil
}

// UpdateVariable sets one variable on the agent's record.
func (r *Registry) UpdateVariable(id, name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	rec.variables[name] = value
	r.emitUpdated(rec)
	return nil
}

// AppendLog adds a line to the agent's log ring.
func (r *Registry) AppendLog(id, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	rec.logs.push(line)
	r.sink(Event{Type: EventClientLog, ClientID: id, Log: line})
	return nil
}

// SetHealth records the poller's verdict. client_updated is emitted only
// when the value changes.
func (r *Registry) SetHealth(id string, health Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if rec.health == health {
		return nil
	}
	rec.health = health
	r.emitUpdated(rec)
	return nil
}

// Touch updates last_seen without emitting an event.
func (r *Registry) Touch(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if at.After(rec.lastSeen) {
		rec.lastSeen = at
	}
	return nil
}

func (r *Registry) emitUpdated(rec *record) {
	view := rec.view()
	r.sink(Event{Type: EventClientUpdated, Client: &view})
}

// Get returns a copy of the agent's record.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return rec.view(), true
}

// Variable returns the agent's value for name, or NONE when unset.
func (r *Registry) Variable(id, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if v, ok := rec.variables[name]; ok {
		return v, nil
	}
	return protocol.None, nil
}

// Conn returns the agent's transport handle.
func (r *Registry) Conn(id string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return rec.conn, true
}

// Snapshot returns copies of every agent, ordered by connection sequence.
func (r *Registry) Snapshot() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []Agent {
	recs := slices.Collect(maps.Values(r.agents))
	slices.SortFunc(recs, func(a, b *record) int { return a.seq - b.seq })

	out := make([]Agent, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.view())
	}
	return out
}

// IDs returns the ids of every agent, ordered by connection sequence.
func (r *Registry) IDs() []string {
	agents := r.Snapshot()
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}

// Len returns the number of connected agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// SetTicketCode maps a ticket text to its code. Last writer wins.
func (r *Registry) SetTicketCode(key, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tickets[key] = code
	r.logger.Debug("ticket code set", "ticket_text", key)
	r.sink(TicketMapEvent(maps.Clone(r.tickets)))
}

// TicketCode returns the code for key, or NONE when absent.
func (r *Registry) TicketCode(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticketCodeLocked(key)
}

func (r *Registry) ticketCodeLocked(key string) string {
	if code, ok := r.tickets[key]; ok {
		return code
	}
	return protocol.None
}

// TicketCodeFor resolves the code for the agent's current TICKET_TEXT in
// one step, so a concurrent change of either cannot be observed half-way.
func (r *Registry) TicketCodeFor(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	text, ok := rec.variables[protocol.VarTicketText]
	if !ok {
		text = protocol.None
	}
	return r.ticketCodeLocked(text), nil
}

// TicketMap returns a copy of the ticket-code map.
func (r *Registry) TicketMap() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.tickets)
}

// ServerStatus returns the current server status.
func (r *Registry) ServerStatus() protocol.ServerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serverStatus
}

// SetServerStatus stores status and emits server_status.
func (r *Registry) SetServerStatus(status protocol.ServerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setServerStatusLocked(status)
}

// ToggleServerStatus flips the server status and returns the new value.
func (r *Registry) ToggleServerStatus() protocol.ServerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.serverStatus.Toggle()
	r.setServerStatusLocked(next)
	return next
}

func (r *Registry) setServerStatusLocked(status protocol.ServerStatus) {
	r.serverStatus = status
	r.logger.Info("server status changed", "status", status)
	r.sink(ServerStatusEvent(status))
}

// Observe calls fn with a consistent copy of the registry while holding the
// lock. No mutation, and therefore no event, can happen while fn runs. fn
// must not call back into the registry.
func (r *Registry) Observe(fn func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn(State{
		Agents:       r.snapshotLocked(),
		TicketMap:    maps.Clone(r.tickets),
		ServerStatus: r.serverStatus,
	})
}
