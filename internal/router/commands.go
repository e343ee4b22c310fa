// ABOUTME: Operator commands: listing, server toggle, variable changes, login/buy triggers, ticket codes
// ABOUTME: Every command yields a CommandResult naming accepted and rejected targets

package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/2389/fleet-hub/internal/protocol"
	"github.com/2389/fleet-hub/internal/registry"
	"github.com/2389/fleet-hub/internal/transport"
)

// Command actions.
const (
	ActionListClients   = "list_clients"
	ActionToggleServer  = "toggle_server"
	ActionApplyVariable = "apply_variable"
	ActionSendLogin     = "send_login"
	ActionSendBuy       = "send_buy"
	ActionSetTicketCode = "set_ticket_code"
	ActionRequestStatus = "request_status"
)

var (
	// ErrUnknownAction indicates a command with an unrecognized action.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidCommand indicates missing or malformed command fields.
	ErrInvalidCommand = errors.New("invalid command")
)

// Command is an operator request, as sent by observers and the REST API.
type Command struct {
	Action     string   `json:"action"`
	Clients    []string `json:"clients,omitempty"`
	Variable   string   `json:"variable,omitempty"`
	Value      string   `json:"value,omitempty"`
	TicketText string   `json:"ticket_text,omitempty"`
	Code       string   `json:"code,omitempty"`
}

// Validate checks that cmd carries the fields its action needs.
func (c Command) Validate() error {
	switch c.Action {
	case ActionListClients, ActionToggleServer:
		return nil
	case ActionSendLogin, ActionSendBuy, ActionRequestStatus:
		if len(c.Clients) == 0 {
			return fmt.Errorf("%w: %s requires clients", ErrInvalidCommand, c.Action)
		}
		return nil
	case ActionApplyVariable:
		if len(c.Clients) == 0 {
			return fmt.Errorf("%w: %s requires clients", ErrInvalidCommand, c.Action)
		}
		if c.Variable == "" {
			return fmt.Errorf("%w: %s requires variable", ErrInvalidCommand, c.Action)
		}
		if strings.Contains(c.Variable, protocol.Delimiter) {
			return fmt.Errorf("%w: variable name contains %q", ErrInvalidCommand, protocol.Delimiter)
		}
		return nil
	case ActionSetTicketCode:
		if c.TicketText == "" || c.Code == "" {
			return fmt.Errorf("%w: %s requires ticket_text and code", ErrInvalidCommand, c.Action)
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing action", ErrInvalidCommand)
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, c.Action)
}

// ReadOnly reports whether the command only reads hub state, so an
// observe-scope caller may run it.
func (c Command) ReadOnly() bool {
	return c.Action == ActionListClients
}

// Replier receives events addressed to the issuing observer.
// *broadcast.Observer implements it. For list_clients Deliver is called with
// the registry lock held and must not call back into the registry.
type Replier interface {
	Deliver(event registry.Event) bool
}

// Execute runs cmd and returns its result. When replier is non-nil the
// result, and for list_clients the client list, are also delivered to it.
// Unknown targets are reported as rejected, never as a command failure.
func (r *Router) Execute(ctx context.Context, cmd Command, replier Replier) registry.CommandResult {
	result := r.execute(ctx, cmd, replier)
	if result.Accepted == nil {
		result.Accepted = []string{}
	}
	if result.Rejected == nil {
		result.Rejected = []string{}
	}

	r.logger.Info("command executed",
		"action", cmd.Action,
		"accepted", len(result.Accepted),
		"rejected", len(result.Rejected),
		"error", result.Error)

	if replier != nil {
		replier.Deliver(registry.CommandResultEvent(result))
	}
	return result
}

func (r *Router) execute(ctx context.Context, cmd Command, replier Replier) registry.CommandResult {
	result := registry.CommandResult{Action: cmd.Action}
	if err := cmd.Validate(); err != nil {
		result.Error = err.Error()
		return result
	}

	switch cmd.Action {
	case ActionListClients:
		// Delivered under the registry lock so no client_updated can reach
		// the observer ahead of an older list.
		r.reg.Observe(func(state registry.State) {
			for _, a := range state.Agents {
				result.Accepted = append(result.Accepted, a.ID)
			}
			if replier != nil {
				replier.Deliver(registry.ClientsListEvent(state.Agents))
			}
		})

	case ActionToggleServer:
		r.reg.ToggleServerStatus()

	case ActionSetTicketCode:
		r.reg.SetTicketCode(cmd.TicketText, cmd.Code)

	case ActionSendLogin:
		r.sendEach(&result, cmd.Clients, protocol.New(protocol.ClientLogin))

	case ActionSendBuy:
		r.sendEach(&result, cmd.Clients, protocol.New(protocol.ClientBuyTicket))

	case ActionApplyVariable:
		r.applyVariable(ctx, &result, cmd.Clients, cmd.Variable, cmd.Value)

	case ActionRequestStatus:
		r.requestStatus(ctx, &result, cmd.Clients)
	}
	return result
}

func (r *Router) sendEach(result *registry.CommandResult, targets []string, msg protocol.Message) {
	for _, id := range targets {
		conn, ok := r.reg.Conn(id)
		if !ok {
			result.Rejected = append(result.Rejected, id)
			continue
		}
		if err := conn.Send(msg); err != nil {
			r.logger.Warn("send failed", "agent_id", id, "code", msg.Code, "error", err)
			result.Rejected = append(result.Rejected, id)
			continue
		}
		result.Accepted = append(result.Accepted, id)
	}
}

// pendingCall pairs a target with its in-flight request.
type pendingCall struct {
	agentID string
	call    *transport.Call
	resp    protocol.Message
	err     error
}

// issue enqueues msg as a request to every known target in target order.
// Targets that cannot be reached are added to result.Rejected.
func (r *Router) issue(result *registry.CommandResult, targets []string, msg protocol.Message) []*pendingCall {
	calls := make([]*pendingCall, 0, len(targets))
	for _, id := range targets {
		conn, ok := r.reg.Conn(id)
		if !ok {
			result.Rejected = append(result.Rejected, id)
			continue
		}
		req := msg
		req.ID = ""
		call, err := conn.Request(req)
		if err != nil {
			r.logger.Warn("request failed", "agent_id", id, "code", msg.Code, "error", err)
			r.hubLog(id, "%s not sent: %v", msg.Code, err)
			result.Rejected = append(result.Rejected, id)
			continue
		}
		calls = append(calls, &pendingCall{agentID: id, call: call})
	}
	return calls
}

// await waits for every call concurrently.
func (r *Router) await(ctx context.Context, calls []*pendingCall) {
	var g errgroup.Group
	for _, pc := range calls {
		g.Go(func() error {
			pc.resp, pc.err = pc.call.Wait(ctx, r.requestTimeout)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Router) applyVariable(ctx context.Context, result *registry.CommandResult, targets []string, name, value string) {
	calls := r.issue(result, targets, protocol.New(protocol.ChangeVariableRequest, name, value))
	r.await(ctx, calls)

	for _, pc := range calls {
		switch {
		case pc.err != nil:
			r.hubLog(pc.agentID, "%s %s failed: %v", protocol.ChangeVariableRequest, name, pc.err)
			result.Rejected = append(result.Rejected, pc.agentID)
		case pc.resp.Field(0) == protocol.ResultSuccess:
			if err := r.reg.UpdateVariable(pc.agentID, name, value); err != nil {
				result.Rejected = append(result.Rejected, pc.agentID)
				continue
			}
			result.Accepted = append(result.Accepted, pc.agentID)
		default:
			r.hubLog(pc.agentID, "%s %s rejected by agent: %s", protocol.ChangeVariableRequest, name, pc.resp.Field(0))
			result.Rejected = append(result.Rejected, pc.agentID)
		}
	}
}

func (r *Router) requestStatus(ctx context.Context, result *registry.CommandResult, targets []string) {
	calls := r.issue(result, targets, protocol.New(protocol.ClientStatusRequest))
	r.await(ctx, calls)

	for _, pc := range calls {
		if pc.err != nil {
			r.hubLog(pc.agentID, "%s failed: %v", protocol.ClientStatusRequest, pc.err)
			result.Rejected = append(result.Rejected, pc.agentID)
			continue
		}
		r.applyStatus(pc.agentID, protocol.Status(pc.resp.Field(0)))
		result.Accepted = append(result.Accepted, pc.agentID)
	}
}

// applyStatus stores status only when it differs, so repeated polls of an
// idle agent stay quiet.
func (r *Router) applyStatus(agentID string, status protocol.Status) {
	current, ok := r.reg.Get(agentID)
	if !ok || current.Status == status {
		return
	}
	_ = r.reg.UpdateStatus(agentID, status)
}
