// ABOUTME: Tests for the transport session over in-memory pipes
// ABOUTME: Covers ordering, correlation, timeouts, backpressure and teardown

package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389/fleet-hub/internal/frame"
	"github.com/2389/fleet-hub/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeSession(t *testing.T, opts Options) (*Session, net.Conn) {
	t.Helper()
	local, peer := net.Pipe()
	s := NewSession(local, opts)
	t.Cleanup(func() {
		_ = s.Close()
		_ = peer.Close()
	})
	return s, peer
}

func readMessage(t *testing.T, conn net.Conn) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := frame.Read(conn)
	require.NoError(t, err)
	msg, err := protocol.Parse(raw)
	require.NoError(t, err)
	return msg
}

func writeMessage(t *testing.T, conn net.Conn, msg protocol.Message) {
	t.Helper()
	raw, err := protocol.Format(msg)
	require.NoError(t, err)
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, frame.Write(conn, raw))
}

func nextInbound(t *testing.T, s *Session) Inbound {
	t.Helper()
	select {
	case in, ok := <-s.Inbound():
		require.True(t, ok, "inbound closed")
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
		return Inbound{}
	}
}

func TestSession_SendWritesFramesInOrder(t *testing.T) {
	s, peer := newPipeSession(t, Options{})
	s.Start(t.Context())

	require.NoError(t, s.Send(protocol.New(protocol.ClientLogin)))
	require.NoError(t, s.Send(protocol.New(protocol.ClientBuyTicket)))

	assert.Equal(t, protocol.ClientLogin, readMessage(t, peer).Code)
	assert.Equal(t, protocol.ClientBuyTicket, readMessage(t, peer).Code)
}

func TestSession_InboundPreservesArrivalOrder(t *testing.T) {
	s, peer := newPipeSession(t, Options{})
	s.Start(t.Context())

	go func() {
		for _, text := range []string{"one", "two", "three"} {
			raw, _ := protocol.Format(protocol.New(protocol.LogClientEvent, text))
			_ = frame.Write(peer, raw)
		}
	}()

	for _, want := range []string{"one", "two", "three"} {
		in := nextInbound(t, s)
		require.NoError(t, in.Err)
		assert.Equal(t, want, in.Message.Field(0))
		assert.False(t, in.ReceivedAt.IsZero())
	}
}

func TestSession_RequestCompletesWithCorrelatedResponse(t *testing.T) {
	s, peer := newPipeSession(t, Options{})
	s.Start(t.Context())

	go func() {
		req := readMessage(t, peer)
		writeMessage(t, peer, protocol.Reply(req, protocol.ClientStatusResponse, string(protocol.StatusReadyToLogin)))
	}()

	resp, err := s.SendAndAwait(t.Context(), protocol.New(protocol.ClientStatusRequest), time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.ClientStatusResponse, resp.Code)
	assert.Equal(t, "READY_TO_LOGIN", resp.Field(0))
	assert.Equal(t, 0, s.Pending())

	select {
	case in := <-s.Inbound():
		t.Fatalf("correlated response leaked to inbound: %+v", in)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_InterleavedRequestsResolveByID(t *testing.T) {
	s, peer := newPipeSession(t, Options{})
	s.Start(t.Context())

	first, err := s.Request(protocol.New(protocol.ChangeVariableRequest, "BOT_ID", "a"))
	require.NoError(t, err)
	second, err := s.Request(protocol.New(protocol.ChangeVariableRequest, "BOT_ID", "b"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	req1 := readMessage(t, peer)
	req2 := readMessage(t, peer)

	// Answer out of order.
	go func() {
		writeMessage(t, peer, protocol.Reply(req2, protocol.ChangeVariableResponse, protocol.ResultFail))
		writeMessage(t, peer, protocol.Reply(req1, protocol.ChangeVariableResponse, protocol.ResultSuccess))
	}()

	resp1, err := first.Wait(t.Context(), time.Second)
	require.NoError(t, err)
	resp2, err := second.Wait(t.Context(), time.Second)
	require.NoError(t, err)

	assert.Equal(t, protocol.ResultSuccess, resp1.Field(0))
	assert.Equal(t, protocol.ResultFail, resp2.Field(0))
}

func TestSession_UnmatchedResponseGoesToInbound(t *testing.T) {
	s, peer := newPipeSession(t, Options{})
	s.Start(t.Context())

	go writeMessage(t, peer, protocol.Message{
		Code:   protocol.ClientStatusResponse,
		Fields: []string{"READY_TO_BUY"},
	})

	in := nextInbound(t, s)
	require.NoError(t, in.Err)
	assert.Equal(t, protocol.ClientStatusResponse, in.Message.Code)
	assert.Empty(t, in.Message.ID)
}

func TestSession_WaitTimesOutAndLateReplyIsUncorrelated(t *testing.T) {
	s, peer := newPipeSession(t, Options{})
	s.Start(t.Context())

	call, err := s.Request(protocol.New(protocol.ClientStatusRequest))
	require.NoError(t, err)
	req := readMessage(t, peer)

	_, err = call.Wait(t.Context(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, s.Pending())

	go writeMessage(t, peer, protocol.Reply(req, protocol.ClientStatusResponse, "INACTIVE"))

	in := nextInbound(t, s)
	assert.Equal(t, req.ID, in.Message.ID)
}

func TestSession_CloseFailsPendingCalls(t *testing.T) {
	s, peer := newPipeSession(t, Options{})
	s.Start(t.Context())

	call, err := s.Request(protocol.New(protocol.ClientStatusRequest))
	require.NoError(t, err)
	readMessage(t, peer)

	require.NoError(t, peer.Close())

	_, err = call.Wait(t.Context(), 2*time.Second)
	require.ErrorIs(t, err, ErrClosed)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
	assert.NoError(t, s.Err(), "clean EOF is not an error")

	_, ok := <-s.Inbound()
	assert.False(t, ok, "inbound should be closed")
}

func TestSession_SendAfterCloseFails(t *testing.T) {
	s, _ := newPipeSession(t, Options{})
	s.Start(t.Context())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Send(protocol.New(protocol.ClientLogin))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.Request(protocol.New(protocol.ClientStatusRequest))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSession_OversizeMessageFailsAtCaller(t *testing.T) {
	s, _ := newPipeSession(t, Options{})

	big := make([]byte, frame.Size)
	for i := range big {
		big[i] = 'x'
	}
	err := s.Send(protocol.New(protocol.LogClientEvent, string(big)))
	assert.ErrorIs(t, err, frame.ErrFrameTooLarge)
}

func TestSession_OutboundFullIsReported(t *testing.T) {
	// Not started: nothing drains the queue.
	s, _ := newPipeSession(t, Options{OutboundBuffer: 1})

	require.NoError(t, s.Send(protocol.New(protocol.ClientLogin)))
	err := s.Send(protocol.New(protocol.ClientLogin))
	assert.ErrorIs(t, err, ErrOutboundFull)
}

func TestSession_TooManyPending(t *testing.T) {
	s, _ := newPipeSession(t, Options{MaxPending: 1})

	_, err := s.Request(protocol.New(protocol.ClientStatusRequest))
	require.NoError(t, err)

	_, err = s.Request(protocol.New(protocol.ClientStatusRequest))
	assert.ErrorIs(t, err, ErrTooManyPending)
}

func TestSession_RequestRejectsUncorrelatedCodes(t *testing.T) {
	s, _ := newPipeSession(t, Options{})

	_, err := s.Request(protocol.New(protocol.ClientLogin))
	assert.ErrorIs(t, err, ErrNotRequest)

	_, err = s.Request(protocol.Message{Code: protocol.ClientStatusResponse, Fields: []string{"x"}})
	assert.ErrorIs(t, err, ErrNotRequest)
}

func TestSession_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	s, peer := newPipeSession(t, Options{})
	s.Start(t.Context())

	go func() {
		_ = frame.Write(peer, "NOT_A_CODE|x")
		_ = frame.Write(peer, "REPORT_CLIENT_FINISH|done")
	}()

	bad := nextInbound(t, s)
	assert.True(t, errors.Is(bad.Err, protocol.ErrUnknownCode))
	assert.Equal(t, "NOT_A_CODE|x", bad.Raw)

	good := nextInbound(t, s)
	require.NoError(t, good.Err)
	assert.Equal(t, protocol.ReportClientFinish, good.Message.Code)
}

func TestSession_OnFrameSeesEveryDecodedFrame(t *testing.T) {
	s, peer := newPipeSession(t, Options{})

	var frames atomic.Int32
	s.OnFrame(func(time.Time) { frames.Add(1) })
	s.Start(t.Context())

	go func() {
		_ = frame.Write(peer, "")
		_ = frame.Write(peer, "LOG_CLIENT_EVENT|hi")
	}()

	nextInbound(t, s)
	assert.Equal(t, int32(2), frames.Load())
}

func TestSession_ContextCancelCloses(t *testing.T) {
	s, _ := newPipeSession(t, Options{})

	ctx, cancel := context.WithCancel(t.Context())
	s.Start(ctx)
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on cancel")
	}
	assert.Error(t, s.Err())
}
