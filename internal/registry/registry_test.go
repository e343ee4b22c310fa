// ABOUTME: Tests for the agent registry
// ABOUTME: Covers id assignment, exactly-once lifecycle events, ticket map, ordering and copies

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/2389/fleet-hub/internal/protocol"
	"github.com/2389/fleet-hub/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	addr string
}

func (c *fakeConn) Send(protocol.Message) error { return nil }
func (c *fakeConn) Request(protocol.Message) (*transport.Call, error) {
	return nil, errors.New("not connected")
}
func (c *fakeConn) RemoteAddr() string { return c.addr }
func (c *fakeConn) Close() error       { return nil }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) sink(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *recorder) {
	t.Helper()
	rec := &recorder{}
	return New(Options{Sink: rec.sink}), rec
}

func TestRegister_AssignsSequentialIDs(t *testing.T) {
	r, rec := newTestRegistry(t)

	a := r.Register(&fakeConn{addr: "10.0.0.1:5000"})
	b := r.Register(&fakeConn{addr: "10.0.0.2:5000"})

	assert.Equal(t, "CLIENT_1", a.ID)
	assert.Equal(t, "CLIENT_2", b.ID)
	assert.Equal(t, protocol.StatusInactive, a.Status)
	assert.Equal(t, HealthOK, a.Health)
	assert.Equal(t, "10.0.0.1:5000", a.RemoteAddr)
	assert.Equal(t, protocol.None, a.BotID)
	assert.Equal(t, protocol.DefaultVariables(), a.Variables)
	assert.Empty(t, a.Logs)

	connected := rec.ofType(EventClientConnected)
	require.Len(t, connected, 2)
	assert.Equal(t, "CLIENT_1", connected[0].Client.ID)
	assert.Equal(t, "CLIENT_2", connected[1].Client.ID)
}

func TestRegister_IDsAreNeverReused(t *testing.T) {
	r, _ := newTestRegistry(t)

	first := r.Register(&fakeConn{})
	require.True(t, r.Unregister(first.ID))

	second := r.Register(&fakeConn{})
	assert.Equal(t, "CLIENT_2", second.ID)
}

func TestLifecycle_ExactlyOnceOverManyCycles(t *testing.T) {
	r, rec := newTestRegistry(t)
	const cycles = 200

	for range cycles {
		a := r.Register(&fakeConn{})
		assert.True(t, r.Unregister(a.ID))
		assert.False(t, r.Unregister(a.ID), "second unregister must be a no-op")
	}

	assert.Len(t, rec.ofType(EventClientConnected), cycles)
	assert.Len(t, rec.ofType(EventClientDisconnected), cycles)
	assert.Equal(t, 0, r.Len())
}

func TestLifecycle_ConcurrentCyclesEmitOncePerAgent(t *testing.T) {
	r, rec := newTestRegistry(t)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				a := r.Register(&fakeConn{})
				// Racing teardown paths for the same agent.
				var inner sync.WaitGroup
				for range 3 {
					inner.Add(1)
					go func() {
						defer inner.Done()
						r.Unregister(a.ID)
					}()
				}
				inner.Wait()
			}
		}()
	}
	wg.Wait()

	connected := rec.ofType(EventClientConnected)
	disconnected := rec.ofType(EventClientDisconnected)
	require.Len(t, connected, 500)
	require.Len(t, disconnected, 500)

	seen := make(map[string]int)
	for _, e := range disconnected {
		seen[e.ClientID]++
	}
	for _, e := range connected {
		assert.Equal(t, 1, seen[e.Client.ID], "agent %s", e.Client.ID)
	}
}

func TestMutations_UnknownAgent(t *testing.T) {
	r, rec := newTestRegistry(t)

	assert.ErrorIs(t, r.UpdateStatus("CLIENT_9", protocol.StatusError), ErrAgentNotFound)
	assert.ErrorIs(t, r.UpdateVariable("CLIENT_9", protocol.VarBotID, "x"), ErrAgentNotFound)
	assert.ErrorIs(t, r.AppendLog("CLIENT_9", "line"), ErrAgentNotFound)
	assert.ErrorIs(t, r.SetHealth("CLIENT_9", HealthDegraded), ErrAgentNotFound)
	assert.ErrorIs(t, r.Touch("CLIENT_9", time.Now()), ErrAgentNotFound)
	_, err := r.Variable("CLIENT_9", protocol.VarBotID)
	assert.ErrorIs(t, err, ErrAgentNotFound)
	_, err = r.TicketCodeFor("CLIENT_9")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.False(t, r.Unregister("CLIENT_9"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.events)
}

func TestUpdateStatus_StoresUnknownVerbatim(t *testing.T) {
	r, rec := newTestRegistry(t)
	a := r.Register(&fakeConn{})

	require.NoError(t, r.UpdateStatus(a.ID, protocol.StatusReadyToLogin))
	require.NoError(t, r.UpdateStatus(a.ID, "SOMETHING_NEW"))

	got, ok := r.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, protocol.Status("SOMETHING_NEW"), got.Status)

	updated := rec.ofType(EventClientUpdated)
	require.Len(t, updated, 2)
	assert.Equal(t, protocol.StatusReadyToLogin, updated[0].Client.Status)
}

func TestVariables(t *testing.T) {
	r, _ := newTestRegistry(t)
	a := r.Register(&fakeConn{})

	v, err := r.Variable(a.ID, "NOT_A_VARIABLE")
	require.NoError(t, err)
	assert.Equal(t, protocol.None, v)

	require.NoError(t, r.UpdateVariable(a.ID, protocol.VarBotID, "bot-7"))
	require.NoError(t, r.UpdateVariable(a.ID, "CUSTOM", "x"))

	got, _ := r.Get(a.ID)
	assert.Equal(t, "bot-7", got.BotID)
	assert.Equal(t, "x", got.Variables["CUSTOM"])
}

func TestAppendLog_EvictsOldest(t *testing.T) {
	r := New(Options{LogCapacity: 3})
	a := r.Register(&fakeConn{})

	for i := 1; i <= 5; i++ {
		require.NoError(t, r.AppendLog(a.ID, fmt.Sprintf("line %d", i)))
	}

	got, _ := r.Get(a.ID)
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, got.Logs)
}

func TestSetHealth_EmitsOnlyOnChange(t *testing.T) {
	r, rec := newTestRegistry(t)
	a := r.Register(&fakeConn{})

	require.NoError(t, r.SetHealth(a.ID, HealthOK))
	require.NoError(t, r.SetHealth(a.ID, HealthDegraded))
	require.NoError(t, r.SetHealth(a.ID, HealthDegraded))

	updated := rec.ofType(EventClientUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, HealthDegraded, updated[0].Client.Health)
}

func TestTouch_IsSilentAndMonotonic(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &recorder{}
	r := New(Options{Sink: rec.sink, Now: func() time.Time { return base }})
	a := r.Register(&fakeConn{})

	later := base.Add(time.Minute)
	require.NoError(t, r.Touch(a.ID, later))
	require.NoError(t, r.Touch(a.ID, base))

	got, _ := r.Get(a.ID)
	assert.Equal(t, later, got.LastSeen)
	assert.Equal(t, base, got.ConnectedAt)
	assert.Empty(t, rec.ofType(EventClientUpdated))
}

func TestTicketMap(t *testing.T) {
	r, rec := newTestRegistry(t)
	a := r.Register(&fakeConn{})

	assert.Equal(t, protocol.None, r.TicketCode("Concert A"))

	code, err := r.TicketCodeFor(a.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.None, code, "agent without TICKET_TEXT")

	r.SetTicketCode("Concert A", "X1")
	r.SetTicketCode("Concert A", "X2")
	require.NoError(t, r.UpdateVariable(a.ID, protocol.VarTicketText, "Concert A"))

	code, err = r.TicketCodeFor(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "X2", code)

	require.NoError(t, r.UpdateVariable(a.ID, protocol.VarTicketText, "Concert B"))
	code, _ = r.TicketCodeFor(a.ID)
	assert.Equal(t, protocol.None, code)

	changed := rec.ofType(EventTicketMapChanged)
	require.Len(t, changed, 2)
	assert.Equal(t, map[string]string{"Concert A": "X2"}, changed[1].TicketMap)
}

func TestServerStatus(t *testing.T) {
	r, rec := newTestRegistry(t)

	assert.Equal(t, protocol.ServerInactive, r.ServerStatus())
	assert.Equal(t, protocol.ServerActive, r.ToggleServerStatus())
	assert.Equal(t, protocol.ServerInactive, r.ToggleServerStatus())
	r.SetServerStatus(protocol.ServerActive)
	assert.Equal(t, protocol.ServerActive, r.ServerStatus())

	events := rec.ofType(EventServerStatus)
	require.Len(t, events, 3)
	assert.Equal(t, protocol.ServerActive, events[0].ServerStatus)
	assert.Equal(t, protocol.ServerInactive, events[1].ServerStatus)
}

func TestSnapshot_OrderedBySequenceAndDeepCopied(t *testing.T) {
	r, _ := newTestRegistry(t)
	for range 12 {
		r.Register(&fakeConn{})
	}
	require.NoError(t, r.AppendLog("CLIENT_2", "hello"))

	snap := r.Snapshot()
	require.Len(t, snap, 12)
	assert.Equal(t, "CLIENT_1", snap[0].ID)
	assert.Equal(t, "CLIENT_2", snap[1].ID)
	assert.Equal(t, "CLIENT_10", snap[9].ID)

	snap[1].Variables[protocol.VarBotID] = "mutated"
	snap[1].Logs[0] = "mutated"

	got, _ := r.Get("CLIENT_2")
	assert.Equal(t, protocol.None, got.Variables[protocol.VarBotID])
	assert.Equal(t, []string{"hello"}, got.Logs)

	assert.Equal(t, []string{"CLIENT_1", "CLIENT_2"}, r.IDs()[:2])
}

func TestConn(t *testing.T) {
	r, _ := newTestRegistry(t)
	conn := &fakeConn{addr: "peer"}
	a := r.Register(conn)

	got, ok := r.Conn(a.ID)
	require.True(t, ok)
	assert.Same(t, conn, got)

	_, ok = r.Conn("CLIENT_99")
	assert.False(t, ok)
}

// Events reach the sink in mutation order: replaying client_log events for
// an agent reproduces exactly the log the registry holds.
func TestEventsFollowMutationOrder(t *testing.T) {
	r, rec := newTestRegistry(t)
	a := r.Register(&fakeConn{})

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 5 {
				_ = r.AppendLog(a.ID, fmt.Sprintf("w%d-%d", w, i))
			}
		}()
	}
	wg.Wait()

	var fromEvents []string
	for _, e := range rec.ofType(EventClientLog) {
		fromEvents = append(fromEvents, e.Log)
	}
	got, _ := r.Get(a.ID)
	assert.Equal(t, fromEvents, got.Logs)
}

func TestObserve_SnapshotIsConsistentWithEvents(t *testing.T) {
	r, rec := newTestRegistry(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			a := r.Register(&fakeConn{})
			r.Unregister(a.ID)
		}
	}()

	for range 50 {
		var state State
		var mark int
		r.Observe(func(s State) {
			state = s
			rec.mu.Lock()
			mark = len(rec.events)
			rec.mu.Unlock()
		})

		// Replaying every event emitted before the snapshot yields the
		// snapshot's agent set.
		live := make(map[string]bool)
		rec.mu.Lock()
		for _, e := range rec.events[:mark] {
			switch e.Type {
			case EventClientConnected:
				live[e.Client.ID] = true
			case EventClientDisconnected:
				delete(live, e.ClientID)
			}
		}
		rec.mu.Unlock()

		ids := make(map[string]bool)
		for _, a := range state.Agents {
			ids[a.ID] = true
		}
		assert.Equal(t, live, ids)
	}

	close(stop)
	wg.Wait()
}

func TestEventJSONShapes(t *testing.T) {
	r := New(Options{})
	a := r.Register(&fakeConn{addr: "peer"})

	tests := []struct {
		name  string
		event Event
		keys  []string
	}{
		{"connected", Event{Type: EventClientConnected, Client: &a}, []string{"event", "client"}},
		{"disconnected", Event{Type: EventClientDisconnected, ClientID: a.ID}, []string{"event", "client_id"}},
		{"log", Event{Type: EventClientLog, ClientID: a.ID, Log: "x"}, []string{"event", "client_id", "log"}},
		{"server", ServerStatusEvent(protocol.ServerActive), []string{"event", "status"}},
		{"list", ClientsListEvent(nil), []string{"event", "clients"}},
		{"tickets", TicketMapEvent(nil), []string{"event", "ticket_map"}},
		{"result", CommandResultEvent(CommandResult{Action: "send_login"}), []string{"event", "action", "accepted", "rejected"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			require.NoError(t, err)

			var decoded map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Len(t, decoded, len(tt.keys))
			for _, k := range tt.keys {
				assert.Contains(t, decoded, k)
			}
		})
	}

	data, err := json.Marshal(ClientsListEvent(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"clients_list","clients":[]}`, string(data))

	data, err = json.Marshal(Event{Type: EventClientConnected, Client: &a})
	require.NoError(t, err)
	var decoded struct {
		Client struct {
			ClientID  string            `json:"client_id"`
			BotID     string            `json:"bot_id"`
			Variables map[string]string `json:"variables"`
		} `json:"client"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "CLIENT_1", decoded.Client.ClientID)
	assert.Equal(t, protocol.None, decoded.Client.BotID)
	assert.Len(t, decoded.Client.Variables, len(protocol.VariableNames))
}

func TestLogRing(t *testing.T) {
	ring := newLogRing(2)
	assert.Empty(t, ring.slice())

	ring.push("a")
	assert.Equal(t, []string{"a"}, ring.slice())
	ring.push("b")
	ring.push("c")
	assert.Equal(t, []string{"b", "c"}, ring.slice())

	assert.Len(t, newLogRing(0).lines, DefaultLogCapacity)
}
