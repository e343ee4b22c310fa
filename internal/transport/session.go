// ABOUTME: Per-connection session with independent read/write loops and a pending request ledger
// ABOUTME: Correlates responses to requests by id and fails in-flight calls when the socket closes

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/fleet-hub/internal/frame"
	"github.com/2389/fleet-hub/internal/protocol"
)

var (
	// ErrClosed indicates the session is closed.
	ErrClosed = errors.New("session closed")

	// ErrOutboundFull indicates the outbound queue has no room.
	ErrOutboundFull = errors.New("outbound queue full")

	// ErrTimeout indicates no correlated response arrived in time.
	ErrTimeout = errors.New("request timed out")

	// ErrTooManyPending indicates the pending request ledger is at capacity.
	ErrTooManyPending = errors.New("too many pending requests")

	// ErrNotRequest indicates Request was called with a code that carries no
	// correlation id.
	ErrNotRequest = errors.New("message is not a correlated request")
)

const (
	defaultOutboundBuffer = 256
	defaultInboundBuffer  = 64
	defaultMaxPending     = 16
	defaultWriteTimeout   = 10 * time.Second
)

// Options tunes a Session. Zero values select defaults.
type Options struct {
	Logger         *slog.Logger
	OutboundBuffer int
	InboundBuffer  int
	MaxPending     int
	WriteTimeout   time.Duration
}

// Inbound is one decoded frame. Err is set when the frame could not be
// parsed; Raw always holds the decoded text.
type Inbound struct {
	Raw        string
	Message    protocol.Message
	Err        error
	ReceivedAt time.Time
}

// Session owns one connection and its codec state.
type Session struct {
	conn   net.Conn
	logger *slog.Logger

	outbound     chan []byte
	inbound      chan Inbound
	writeTimeout time.Duration
	maxPending   int

	mu      sync.Mutex
	pending map[string]chan protocol.Message
	onFrame func(time.Time)

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	startOnce sync.Once
}

// NewSession wraps conn. Call Start to begin reading and writing.
func NewSession(conn net.Conn, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = defaultOutboundBuffer
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = defaultInboundBuffer
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	return &Session{
		conn:         conn,
		logger:       opts.Logger,
		outbound:     make(chan []byte, opts.OutboundBuffer),
		inbound:      make(chan Inbound, opts.InboundBuffer),
		writeTimeout: opts.WriteTimeout,
		maxPending:   opts.MaxPending,
		pending:      make(map[string]chan protocol.Message),
		done:         make(chan struct{}),
	}
}

// OnFrame registers fn to be called with the receive time of every
// successfully decoded frame, including correlated responses. It must be
// called before Start.
func (s *Session) OnFrame(fn func(time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = fn
}

// Start launches the read and write loops. Cancelling ctx closes the session.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.readLoop()
		go s.writeLoop()
		go func() {
			select {
			case <-ctx.Done():
				s.closeWith(ctx.Err())
			case <-s.done:
			}
		}()
	})
}

// Inbound returns the inbound mailbox. It is closed when the read loop ends.
func (s *Session) Inbound() <-chan Inbound {
	return s.inbound
}

// Done is closed once the session has closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session closed, or nil while it is open or
// after a clean close.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close closes the session and its connection. Safe to call repeatedly.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *Session) closeWith(cause error) {
	s.closeOnce.Do(func() {
		s.closeErr = cause
		close(s.done)
		_ = s.conn.Close()

		s.mu.Lock()
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.mu.Unlock()
	})
}

// Send enqueues msg without blocking. Formatting and framing happen here so
// oversize or malformed messages fail at the caller.
func (s *Session) Send(msg protocol.Message) error {
	raw, err := protocol.Format(msg)
	if err != nil {
		return fmt.Errorf("format %s: %w", msg.Code, err)
	}
	buf, err := frame.Encode(raw)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Code, err)
	}
	return s.enqueue(buf)
}

func (s *Session) enqueue(buf []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.outbound <- buf:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return ErrOutboundFull
	}
}

// Call is an in-flight correlated request.
type Call struct {
	ID      string
	Code    protocol.Code
	session *Session
	ch      chan protocol.Message
}

// Request registers msg in the pending ledger and enqueues it. A
// correlation id is generated when msg.ID is empty.
func (s *Session) Request(msg protocol.Message) (*Call, error) {
	shape, ok := protocol.Lookup(msg.Code)
	if !ok || !shape.Correlated || shape.Response {
		return nil, fmt.Errorf("%w: %s", ErrNotRequest, msg.Code)
	}
	if msg.ID == "" {
		msg.ID = protocol.NewID()
	}

	ch := make(chan protocol.Message, 1)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	if len(s.pending) >= s.maxPending {
		s.mu.Unlock()
		return nil, ErrTooManyPending
	}
	s.pending[msg.ID] = ch
	s.mu.Unlock()

	call := &Call{ID: msg.ID, Code: msg.Code, session: s, ch: ch}
	if err := s.Send(msg); err != nil {
		call.Cancel()
		return nil, err
	}
	return call, nil
}

// Wait blocks until the correlated response arrives, the timeout elapses,
// ctx is cancelled, or the session closes. A non-positive timeout waits on
// ctx alone.
func (c *Call) Wait(ctx context.Context, timeout time.Duration) (protocol.Message, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case resp, ok := <-c.ch:
		if !ok {
			return protocol.Message{}, ErrClosed
		}
		return resp, nil
	case <-timer:
		c.Cancel()
		return protocol.Message{}, fmt.Errorf("%w: %s %s after %s", ErrTimeout, c.Code, c.ID, timeout)
	case <-ctx.Done():
		c.Cancel()
		return protocol.Message{}, ctx.Err()
	}
}

// Cancel removes the call from the pending ledger. A response arriving
// afterwards is treated as uncorrelated.
func (c *Call) Cancel() {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	if ch, ok := c.session.pending[c.ID]; ok && ch == c.ch {
		delete(c.session.pending, c.ID)
	}
}

// SendAndAwait is Request followed by Wait.
func (s *Session) SendAndAwait(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	call, err := s.Request(msg)
	if err != nil {
		return protocol.Message{}, err
	}
	return call.Wait(ctx, timeout)
}

// Pending returns the number of in-flight requests.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// resolve hands msg to its pending call. Returns false if no call matches.
func (s *Session) resolve(msg protocol.Message) bool {
	if msg.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.pending[msg.ID]
	if !ok {
		return false
	}
	delete(s.pending, msg.ID)
	ch <- msg // buffered, one response per call
	return true
}

func (s *Session) readLoop() {
	defer close(s.inbound)

	for {
		raw, err := frame.Read(s.conn)
		if err != nil {
			s.closeWith(readError(err))
			return
		}

		now := time.Now()
		s.mu.Lock()
		onFrame := s.onFrame
		s.mu.Unlock()
		if onFrame != nil {
			onFrame(now)
		}

		if raw == "" {
			continue
		}

		msg, perr := protocol.Parse(raw)
		if perr == nil && msg.IsResponse() && s.resolve(msg) {
			continue
		}

		select {
		case s.inbound <- Inbound{Raw: raw, Message: msg, Err: perr, ReceivedAt: now}:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case buf := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if _, err := s.conn.Write(buf); err != nil {
				s.logger.Debug("write failed", "remote_addr", s.RemoteAddr(), "error", err)
				s.closeWith(fmt.Errorf("write frame: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// readError maps a clean end-of-stream to nil so callers can tell a normal
// disconnect from a failure.
func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("read frame: %w", err)
}
