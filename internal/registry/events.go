// ABOUTME: Observer-facing event types emitted by the registry and the command router
// ABOUTME: Each event type serializes to its own JSON shape keyed by "event"

package registry

import (
	"encoding/json"

	"github.com/2389/fleet-hub/internal/protocol"
)

// EventType names an observer event.
type EventType string

const (
	EventClientConnected    EventType = "client_connected"
	EventClientUpdated      EventType = "client_updated"
	EventClientDisconnected EventType = "client_disconnected"
	EventClientLog          EventType = "client_log"
	EventServerStatus       EventType = "server_status"
	EventClientsList        EventType = "clients_list"
	EventTicketMapChanged   EventType = "ticket_map_changed"
	EventCommandResult      EventType = "command_result"
)

// Event is one observer notification. Only the fields relevant to Type are
// set; MarshalJSON emits exactly those.
type Event struct {
	Type         EventType
	Client       *Agent
	ClientID     string
	Log          string
	ServerStatus protocol.ServerStatus
	Clients      []Agent
	TicketMap    map[string]string
	Result       *CommandResult
}

// CommandResult reports the outcome of one operator command.
type CommandResult struct {
	Action   string   `json:"action"`
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected"`
	Error    string   `json:"error,omitempty"`
}

// Sink receives registry events. It is called with the registry lock held
// and must not call back into the registry.
type Sink func(Event)

// ClientsListEvent builds a clients_list event. A nil slice is sent as [].
func ClientsListEvent(agents []Agent) Event {
	if agents == nil {
		agents = []Agent{}
	}
	return Event{Type: EventClientsList, Clients: agents}
}

// ServerStatusEvent builds a server_status event.
func ServerStatusEvent(status protocol.ServerStatus) Event {
	return Event{Type: EventServerStatus, ServerStatus: status}
}

// TicketMapEvent builds a ticket_map_changed event.
func TicketMapEvent(tickets map[string]string) Event {
	if tickets == nil {
		tickets = map[string]string{}
	}
	return Event{Type: EventTicketMapChanged, TicketMap: tickets}
}

// CommandResultEvent builds a command_result event.
func CommandResultEvent(result CommandResult) Event {
	if result.Accepted == nil {
		result.Accepted = []string{}
	}
	if result.Rejected == nil {
		result.Rejected = []string{}
	}
	return Event{Type: EventCommandResult, Result: &result}
}

// MarshalJSON renders the wire shape for e.Type.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventClientConnected, EventClientUpdated:
		return json.Marshal(struct {
			Event  EventType `json:"event"`
			Client *Agent    `json:"client"`
		}{e.Type, e.Client})
	case EventClientDisconnected:
		return json.Marshal(struct {
			Event    EventType `json:"event"`
			ClientID string    `json:"client_id"`
		}{e.Type, e.ClientID})
	case EventClientLog:
		return json.Marshal(struct {
			Event    EventType `json:"event"`
			ClientID string    `json:"client_id"`
			Log      string    `json:"log"`
		}{e.Type, e.ClientID, e.Log})
	case EventServerStatus:
		return json.Marshal(struct {
			Event  EventType             `json:"event"`
			Status protocol.ServerStatus `json:"status"`
		}{e.Type, e.ServerStatus})
	case EventClientsList:
		clients := e.Clients
		if clients == nil {
			clients = []Agent{}
		}
		return json.Marshal(struct {
			Event   EventType `json:"event"`
			Clients []Agent   `json:"clients"`
		}{e.Type, clients})
	case EventTicketMapChanged:
		tickets := e.TicketMap
		if tickets == nil {
			tickets = map[string]string{}
		}
		return json.Marshal(struct {
			Event     EventType         `json:"event"`
			TicketMap map[string]string `json:"ticket_map"`
		}{e.Type, tickets})
	case EventCommandResult:
		var result CommandResult
		if e.Result != nil {
			result = *e.Result
		}
		return json.Marshal(struct {
			Event EventType `json:"event"`
			CommandResult
		}{e.Type, result})
	default:
		return json.Marshal(struct {
			Event EventType `json:"event"`
		}{e.Type})
	}
}
