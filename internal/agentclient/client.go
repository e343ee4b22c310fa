// ABOUTME: Agent-side protocol client: answers hub requests and runs queued workflows
// ABOUTME: Control requests are served by the read loop; workflows run on one worker goroutine

package agentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/fleet-hub/internal/protocol"
	"github.com/2389/fleet-hub/internal/transport"
)

const (
	defaultRetryInterval  = time.Second
	defaultRequestTimeout = 10 * time.Second
	jobQueueSize          = 8
)

// Options configures a Client.
type Options struct {
	Logger *slog.Logger
	Worker Worker
	// Variables seeds the local variable set on top of the protocol defaults.
	Variables map[string]string
	// RetryInterval is the pause between Reserve attempts that return
	// ErrNotReleased.
	RetryInterval  time.Duration
	RequestTimeout time.Duration
	Transport      transport.Options
}

// Client is one agent connection to the hub.
type Client struct {
	sess           *transport.Session
	worker         Worker
	logger         *slog.Logger
	retryInterval  time.Duration
	requestTimeout time.Duration
	jobs           chan protocol.Code

	mu        sync.Mutex
	status    protocol.Status
	variables map[string]string
}

// Dial connects to the hub's agent port.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", addr, err)
	}
	return New(conn, opts), nil
}

// New wraps an established connection. Run must be called to start it.
func New(conn net.Conn, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = opts.Logger
	}

	vars := protocol.DefaultVariables()
	for k, v := range opts.Variables {
		vars[k] = v
	}

	return &Client{
		sess:           transport.NewSession(conn, opts.Transport),
		worker:         opts.Worker,
		logger:         opts.Logger.With("component", "agentclient"),
		retryInterval:  opts.RetryInterval,
		requestTimeout: opts.RequestTimeout,
		jobs:           make(chan protocol.Code, jobQueueSize),
		status:         protocol.StatusInactive,
		variables:      vars,
	}
}

// Run serves the connection until ctx is cancelled or the hub disconnects.
// A hub disconnect is returned as an error; cancellation returns nil.
func (c *Client) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.sess.Start(runCtx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runJobs(runCtx)
	}()

	for in := range c.sess.Inbound() {
		c.handle(in)
	}

	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if err := c.sess.Err(); err != nil {
		return err
	}
	return transport.ErrClosed
}

// Close drops the connection.
func (c *Client) Close() error {
	return c.sess.Close()
}

// Status returns the locally held status.
func (c *Client) Status() protocol.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus records status and pushes it to the hub.
func (c *Client) SetStatus(status protocol.Status) error {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	msg := protocol.UnsolicitedStatus(string(status))
	return c.sess.Send(msg)
}

// LocalVariable returns the locally held value of name.
func (c *Client) LocalVariable(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.variables[name]; ok {
		return v
	}
	return protocol.None
}

// Variable asks the hub for the value of name. For TICKET_CODE the hub
// resolves the code for this agent's ticket text.
func (c *Client) Variable(ctx context.Context, name string) (string, error) {
	reply, err := c.sess.SendAndAwait(ctx, protocol.New(protocol.CheckVariableRequest, name), c.requestTimeout)
	if err != nil {
		return "", fmt.Errorf("check variable %s: %w", name, err)
	}
	return reply.Field(0), nil
}

// ServerStatus asks the hub for its activity flag.
func (c *Client) ServerStatus(ctx context.Context) (protocol.ServerStatus, error) {
	reply, err := c.sess.SendAndAwait(ctx, protocol.New(protocol.ServerStatusRequest), c.requestTimeout)
	if err != nil {
		return "", fmt.Errorf("server status: %w", err)
	}
	return protocol.ServerStatus(reply.Field(0)), nil
}

// Log sends a progress line to the hub.
func (c *Client) Log(line string) error {
	return c.sess.Send(protocol.New(protocol.LogClientEvent, line))
}

// ReportError sends an application error to the hub.
func (c *Client) ReportError(text string) error {
	return c.sess.Send(protocol.New(protocol.ReportClientError, text))
}

// ReportFinish tells the hub whether the purchase completed.
func (c *Client) ReportFinish(success bool) error {
	result := protocol.ResultFail
	if success {
		result = protocol.ResultSuccess
	}
	return c.sess.Send(protocol.New(protocol.ReportClientFinish, result))
}

func (c *Client) handle(in transport.Inbound) {
	if in.Err != nil {
		c.logger.Warn("dropping malformed frame", "raw", in.Raw, "error", in.Err)
		return
	}
	msg := in.Message

	var err error
	switch msg.Code {
	case protocol.ClientStatusRequest:
		err = c.sess.Send(protocol.Reply(msg, protocol.ClientStatusResponse, string(c.Status())))

	case protocol.CheckVariableRequest:
		err = c.sess.Send(protocol.Reply(msg, protocol.CheckVariableResponse, c.LocalVariable(msg.Field(0))))

	case protocol.ChangeVariableRequest:
		err = c.sess.Send(protocol.Reply(msg, protocol.ChangeVariableResponse, c.changeVariable(msg.Field(0), msg.Field(1))))

	case protocol.ClientLogin, protocol.ClientBuyTicket:
		c.enqueue(msg.Code)

	default:
		c.logger.Debug("ignoring message", "code", msg.Code, "id", msg.ID)
	}

	if err != nil {
		c.logger.Warn("failed to answer hub", "code", msg.Code, "error", err)
	}
}

func (c *Client) changeVariable(name, value string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
	if c.variables[name] == value {
		return protocol.ResultSuccess
	}
	return protocol.ResultFail
}

func (c *Client) enqueue(code protocol.Code) {
	select {
	case c.jobs <- code:
	default:
		c.logger.Warn("job queue full", "code", code)
		_ = c.ReportError(fmt.Sprintf("busy: dropped %s", code))
	}
}

func (c *Client) runJobs(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case code := <-c.jobs:
			if c.worker == nil {
				_ = c.ReportError(fmt.Sprintf("no worker configured for %s", code))
				continue
			}
			switch code {
			case protocol.ClientLogin:
				c.login(ctx)
			case protocol.ClientBuyTicket:
				c.buy(ctx)
			}
		}
	}
}

func (c *Client) job() Job {
	c.mu.Lock()
	vars := make(map[string]string, len(c.variables))
	for k, v := range c.variables {
		vars[k] = v
	}
	c.mu.Unlock()

	return Job{
		Variables: vars,
		log:       func(line string) { _ = c.Log(line) },
		ticketCode: func(ctx context.Context) (string, error) {
			return c.Variable(ctx, protocol.VarTicketCode)
		},
	}
}

func (c *Client) login(ctx context.Context) {
	if err := c.worker.Login(ctx, c.job()); err != nil {
		c.fail(ctx, "could not complete sign in", err)
		return
	}
	_ = c.SetStatus(protocol.StatusReadyToBuy)
}

func (c *Client) buy(ctx context.Context) {
	var checkoutURL string
	for {
		url, err := c.worker.Reserve(ctx, c.job())
		if errors.Is(err, ErrNotReleased) {
			_ = c.Log("ticket found - not yet on sale")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryInterval):
			}
			continue
		}
		if err != nil {
			c.fail(ctx, "could not complete ticket reservation", err)
			return
		}
		checkoutURL = url
		break
	}

	if err := c.worker.Checkout(ctx, c.job(), checkoutURL); err != nil {
		c.fail(ctx, "could not checkout", err)
		_ = c.ReportFinish(false)
		return
	}
	_ = c.SetStatus(protocol.StatusFinished)
	_ = c.ReportFinish(true)
}

func (c *Client) fail(ctx context.Context, what string, err error) {
	if ctx.Err() != nil {
		return
	}
	c.logger.Warn(what, "error", err)
	_ = c.SetStatus(protocol.StatusError)
	_ = c.ReportError(fmt.Sprintf("%s: %v", what, err))
}
