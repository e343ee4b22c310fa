// ABOUTME: Worker contract for agent workflows and the Job handed to each step
// ABOUTME: Reserve returns ErrNotReleased while the ticket is not yet on sale

package agentclient

import (
	"context"
	"errors"

	"github.com/2389/fleet-hub/internal/protocol"
)

// ErrNotReleased reports that the ticket exists but is not on sale yet.
// The client retries Reserve while it sees this error.
var ErrNotReleased = errors.New("ticket not yet released")

// Worker performs the automated steps of a purchase.
type Worker interface {
	Login(ctx context.Context, job Job) error
	// Reserve holds a ticket and returns the checkout URL.
	Reserve(ctx context.Context, job Job) (string, error)
	Checkout(ctx context.Context, job Job, checkoutURL string) error
}

// Job is the view of the agent a Worker step runs against.
type Job struct {
	// Variables is a snapshot taken when the step started.
	Variables map[string]string

	log        func(string)
	ticketCode func(context.Context) (string, error)
}

// Var returns a variable from the snapshot, or protocol.None when unset.
func (j Job) Var(name string) string {
	if v, ok := j.Variables[name]; ok {
		return v
	}
	return protocol.None
}

// Log sends a progress line to the hub.
func (j Job) Log(line string) {
	if j.log != nil {
		j.log(line)
	}
}

// TicketCode asks the hub for the unlock code of this agent's ticket.
func (j Job) TicketCode(ctx context.Context) (string, error) {
	if j.ticketCode == nil {
		return protocol.None, nil
	}
	return j.ticketCode(ctx)
}
