// Package hub runs the fleet-hub server.
//
// A Hub accepts agent connections on a TCP (or tailnet) listener, giving each
// a transport session and a registry record, and dispatches their frames
// through the router. An HTTP server exposes the observer channel over
// WebSocket (/ws) and Server-Sent Events (/events), a small REST API for
// scripting, and health probes.
package hub
