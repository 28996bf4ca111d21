// Package server is the gateway's HTTP surface: the OAuth 2.1 broker in
// front of Google, the bearer token and session endpoints, and the MCP
// transports.
//
// # Key Components
//
// Handler composes the stores from internal/oauth with the upstream
// provider from internal/google and exposes:
//   - Authorization Server Metadata (RFC 8414)
//   - Protected Resource Metadata (RFC 9728)
//   - Dynamic Client Registration (RFC 7591)
//   - The PKCE login and callback legs, the token endpoint, and
//     token management
//   - The SSE transport (admission limits, per-user eviction,
//     heartbeats) and the Streamable HTTP transport
//   - GDPR export and erasure endpoints
//
// SSEManager owns every live event stream under a single mutex so frame
// writes never interleave.
//
// # Security Features
//
// The gateway keeps security-focused defaults:
//   - PKCE with S256 only (OAuth 2.1 compliance)
//   - Exact-match redirect URI validation on both flow legs
//   - Dual authentication with bearer precedence and an authenticated
//     re-check on every request
//   - Distributed rate limiting per named scope
//   - Google tokens encrypted at rest (AES-256-GCM)
//   - Security headers on all HTTP responses
//   - Audit logging for authentication events
package server
