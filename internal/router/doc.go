// Package router interprets agent messages and operator commands.
//
// Agent messages arrive from a transport session's inbound mailbox and are
// applied to the registry or answered on the same session. Operator
// commands arrive from observers (WebSocket) or the REST API and fan out to
// agent sessions.
//
// # Hub Log Lines
//
// Outcomes the hub itself records in an agent's log, such as a rejected or
// timed-out variable change, are prefixed with "HUB: " so they can be told
// apart from lines the agent reported.
package router
