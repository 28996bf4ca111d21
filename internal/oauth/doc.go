// Package oauth implements the gateway's auth and session core: an OAuth 2.1
// authorization server with PKCE that brokers Google sign-in for MCP clients.
//
// The package owns five kinds of persistent state, all in the shared
// key-value store (see internal/storage):
//
//   - Sessions (SessionStore): server-side authenticated contexts carrying
//     the user's Google tokens encrypted at rest, with absolute and idle
//     expiry and optimistic-concurrency updates.
//   - Authorization requests and single-use authorization codes (FlowStore):
//     the short-lived PKCE flow state.
//   - Dynamically registered clients (ClientStore): RFC 7591 registrations
//     with bcrypt-hashed secrets for confidential clients.
//   - First-party bearer tokens (TokenStore): opaque UUID handles mapped to
//     sessions, validated on every authenticated request.
//   - Rate-limit counters (RateLimiter): named windowed limiters backed by a
//     single atomic increment-and-expire operation.
//
// Token payloads are sealed with AES-256-GCM (TokenEncryption); the key is
// supplied by internal/secrets. Security-relevant transitions are recorded
// through AuditLogger as structured slog events with hashed PII.
package oauth
