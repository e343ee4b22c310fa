// ABOUTME: Applies agent control messages to the registry and answers agent requests
// ABOUTME: Drops malformed or wrong-direction messages with a warning, keeping the connection open

package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fleet-hub/internal/protocol"
	"github.com/2389/fleet-hub/internal/registry"
	"github.com/2389/fleet-hub/internal/transport"
)

// HubLogPrefix marks log lines written by the hub rather than the agent.
const HubLogPrefix = "HUB: "

const (
	defaultRequestTimeout = 10 * time.Second
	defaultUnhealthyAfter = 3
)

// ErrDirection indicates an agent sent a code only the hub may send.
var ErrDirection = errors.New("code not allowed from agent")

// Options configures a Router.
type Options struct {
	Logger         *slog.Logger
	RequestTimeout time.Duration
	UnhealthyAfter int
}

// Router dispatches agent messages and operator commands.
type Router struct {
	reg            *registry.Registry
	logger         *slog.Logger
	requestTimeout time.Duration
	unhealthyAfter int

	mu       sync.Mutex
	failures map[string]int // consecutive status poll timeouts per agent
}

// New creates a Router over reg.
func New(reg *registry.Registry, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.UnhealthyAfter <= 0 {
		opts.UnhealthyAfter = defaultUnhealthyAfter
	}
	return &Router{
		reg:            reg,
		logger:         opts.Logger.With("component", "router"),
		requestTimeout: opts.RequestTimeout,
		unhealthyAfter: opts.UnhealthyAfter,
		failures:       make(map[string]int),
	}
}

// HandleInbound processes one frame from an agent session. Malformed frames
// and protocol violations are logged and dropped.
func (r *Router) HandleInbound(agentID string, in transport.Inbound) {
	if in.Err != nil {
		r.logger.Warn("dropping malformed frame",
			"agent_id", agentID,
			"code", in.Message.Code,
			"raw", in.Raw,
			"error", in.Err)
		return
	}
	if err := r.HandleAgentMessage(agentID, in.Message); err != nil {
		r.logger.Warn("dropping agent message",
			"agent_id", agentID,
			"code", in.Message.Code,
			"error", err)
	}
}

// HandleAgentMessage applies msg from agentID to the registry, replying on
// the agent's session when msg is a request.
func (r *Router) HandleAgentMessage(agentID string, msg protocol.Message) error {
	shape, ok := protocol.Lookup(msg.Code)
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownCode, msg.Code)
	}
	if shape.Direction&protocol.AgentToHub == 0 {
		return fmt.Errorf("%w: %s", ErrDirection, msg.Code)
	}

	r.logger.Debug("agent message", "agent_id", agentID, "code", msg.Code, "id", msg.ID)

	switch msg.Code {
	case protocol.ClientStatusResponse:
		return r.reg.UpdateStatus(agentID, protocol.Status(msg.Field(0)))

	case protocol.CheckVariableRequest:
		name := msg.Field(0)
		var (
			value string
			err   error
		)
		if name == protocol.VarTicketCode {
			value, err = r.reg.TicketCodeFor(agentID)
		} else {
			value, err = r.reg.Variable(agentID, name)
		}
		if err != nil {
			return err
		}
		return r.reply(agentID, protocol.Reply(msg, protocol.CheckVariableResponse, value))

	case protocol.CheckVariableResponse:
		r.logger.Info("uncorrelated variable value", "agent_id", agentID, "id", msg.ID, "value", msg.Field(0))
		return nil

	case protocol.ChangeVariableResponse:
		r.logger.Info("variable change acknowledged", "agent_id", agentID, "id", msg.ID, "result", msg.Field(0))
		return nil

	case protocol.ServerStatusRequest:
		status := r.reg.ServerStatus()
		return r.reply(agentID, protocol.Reply(msg, protocol.ServerStatusResponse, string(status)))

	case protocol.ReportClientError:
		r.logger.Warn("agent reported error", "agent_id", agentID, "text", msg.Field(0))
		return r.reg.AppendLog(agentID, "ERROR: "+msg.Field(0))

	case protocol.ReportClientFinish:
		r.logger.Info("agent finished", "agent_id", agentID, "result", msg.Field(0))
		return r.reg.AppendLog(agentID, "FINISHED: "+msg.Field(0))

	case protocol.LogClientEvent, protocol.ClientLogEvent:
		return r.reg.AppendLog(agentID, msg.Field(0))
	}

	return fmt.Errorf("%w: %s", protocol.ErrUnknownCode, msg.Code)
}

func (r *Router) reply(agentID string, msg protocol.Message) error {
	conn, ok := r.reg.Conn(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrAgentNotFound, agentID)
	}
	if err := conn.Send(msg); err != nil {
		return fmt.Errorf("reply %s: %w", msg.Code, err)
	}
	return nil
}

// hubLog records a hub-originated line in the agent's log.
func (r *Router) hubLog(agentID, format string, args ...any) {
	line := HubLogPrefix + fmt.Sprintf(format, args...)
	if err := r.reg.AppendLog(agentID, line); err != nil {
		r.logger.Debug("hub log dropped", "agent_id", agentID, "error", err)
	}
}
