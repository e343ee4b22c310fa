// Package transport frames a byte stream for exactly one control-channel
// connection.
//
// A Session runs independent read and write goroutines so that a stalled
// peer on one side never blocks the other. It exposes two mailboxes:
//
//   - Inbound(): decoded messages in arrival order, closed when the
//     connection ends.
//   - Send / Request: outbound messages, written in enqueue order.
//
// # Request/Response Correlation
//
// Request assigns a correlation id, records it in the pending ledger and
// enqueues the message. A response carrying that id completes the Call and
// is not placed on the inbound mailbox. Responses with no pending entry are
// delivered to Inbound() so the caller can log or act on them.
//
// When the session closes, every pending Call fails with ErrClosed.
//
// Sessions are symmetric: the hub and the agent client use the same type.
package transport
