// Package registry is the single source of truth for connected agents, the
// ticket-code map and the hub's server status.
//
// Every mutation is applied under one mutex and its event is emitted to the
// configured Sink while that mutex is still held, so the sink observes events
// in exactly the order the mutations happened. Observe runs a callback under
// the same lock, which lets a subscriber take a snapshot and register for
// increments without a gap or overlap.
//
// Records returned from Get and Snapshot are deep copies.
package registry
