// ABOUTME: Simulated Worker that walks the login, reserve and checkout steps with delays
// ABOUTME: Used by the fleet-agent binary and tests in place of a real browser driver

package agentclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/2389/fleet-hub/internal/protocol"
)

// Simulator is a Worker that pretends to drive a ticketing site.
type Simulator struct {
	LoginDelay    time.Duration
	ReserveDelay  time.Duration
	CheckoutDelay time.Duration
	// ReleaseAfter is the number of Reserve attempts that report
	// ErrNotReleased before the ticket goes on sale.
	ReleaseAfter int
	// RequireCode makes Reserve fetch an unlock code from the hub.
	RequireCode bool
	// FailCheckout makes every Checkout fail.
	FailCheckout bool

	mu       sync.Mutex
	attempts int
}

// Login checks that account credentials are present.
func (s *Simulator) Login(ctx context.Context, job Job) error {
	email := job.Var(protocol.VarAccountEmail)
	if email == protocol.None || job.Var(protocol.VarAccountPassword) == protocol.None {
		return errors.New("missing account credentials")
	}
	if err := sleepCtx(ctx, s.LoginDelay); err != nil {
		return err
	}
	job.Log("signed in as " + email)
	return nil
}

// Reserve holds the ticket named by TICKET_TEXT on TICKET_URL.
func (s *Simulator) Reserve(ctx context.Context, job Job) (string, error) {
	url := job.Var(protocol.VarTicketURL)
	if url == protocol.None {
		return "", errors.New("no ticket url set")
	}

	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if err := sleepCtx(ctx, s.ReserveDelay); err != nil {
		return "", err
	}
	job.Log("found tickets")
	if attempt <= s.ReleaseAfter {
		return "", ErrNotReleased
	}

	if s.RequireCode {
		job.Log("ticket requires code")
		code, err := job.TicketCode(ctx)
		if err != nil {
			return "", fmt.Errorf("fetch ticket code: %w", err)
		}
		if code == protocol.None {
			return "", errors.New("no ticket code available")
		}
		job.Log("code fetched from server")
	}

	job.Log("reserved " + job.Var(protocol.VarTicketText))
	return strings.TrimSuffix(url, "/") + "/checkout", nil
}

// Checkout pays for the reserved ticket.
func (s *Simulator) Checkout(ctx context.Context, job Job, checkoutURL string) error {
	if err := sleepCtx(ctx, s.CheckoutDelay); err != nil {
		return err
	}
	if s.FailCheckout {
		return errors.New("payment declined")
	}
	job.Log("purchase successful at " + checkoutURL)
	return nil
}

// Attempts returns how many times Reserve has been called.
func (s *Simulator) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
