// Package auth provides optional token authentication for fleet-hub's HTTP
// endpoints.
//
// Agents on the TCP control channel are not authenticated; that channel is
// expected to run on a trusted network or tailnet.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with auth.jwt_secret and carry two claims:
//
//   - sub: free-form operator or dashboard name, used in logs
//   - scope: "observe" (events and reads) or "operate" (also commands)
//
// Issue tokens with `fleet-hub token --subject NAME --scope operate`.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware accepts "Authorization: Bearer <token>" or, for
// browser WebSocket and EventSource clients, a "token" query parameter.
// Verified claims are available to handlers via FromContext.
package auth
