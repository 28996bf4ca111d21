package server

import (
	"net/http"

	"github.com/driveline/mcp-gateway/internal/oauth"
)

// Routes builds the gateway's full HTTP surface. Every response carries
// the security headers; request logging and HTTP metrics wrap the whole
// mux. Routes without a dedicated limiter scope fall back to the general
// limiter; health probes stay unlimited so deployment checks cannot trip
// it.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// OAuth flow. The auth limiter counts failed attempts only, so
	// legitimate repeated logins inside one window are not locked out.
	mux.HandleFunc("GET /auth/login", h.rateLimitFailures(oauth.LimiterAuth, h.handleLogin))
	mux.HandleFunc("GET /oauth2callback", h.rateLimitFailures(oauth.LimiterAuth, h.handleCallback))
	mux.HandleFunc("GET /auth/status", h.rateLimit(oauth.LimiterGeneral, h.handleAuthStatus))
	mux.HandleFunc("POST /auth/logout", h.rateLimit(oauth.LimiterGeneral, h.handleLogout))

	// Token endpoint and token management.
	mux.HandleFunc("POST /api/generate-token", h.rateLimit(oauth.LimiterToken, h.handleGenerateToken))
	mux.HandleFunc("GET /api/tokens", h.rateLimit(oauth.LimiterAPI, h.requireAuth(h.handleListTokens)))
	mux.HandleFunc("DELETE /api/tokens", h.rateLimit(oauth.LimiterAPI, h.requireAuth(h.handleRevokeTokens)))
	mux.HandleFunc("GET /api/token/{token}", h.rateLimit(oauth.LimiterAPI, h.requireAuth(h.handleGetToken)))
	mux.HandleFunc("DELETE /api/token/{token}", h.rateLimit(oauth.LimiterAPI, h.requireAuth(h.handleRevokeToken)))

	// Dynamic client registration (RFC 7591).
	mux.HandleFunc("POST /oauth/register", h.rateLimit(oauth.LimiterGeneral, h.handleRegisterClient))
	mux.HandleFunc("GET /oauth/register/{clientID}", h.rateLimit(oauth.LimiterGeneral, h.handleGetClient))
	mux.HandleFunc("DELETE /oauth/register/{clientID}", h.rateLimit(oauth.LimiterGeneral, h.handleDeleteClient))

	// SSE transport.
	mux.HandleFunc("GET /sse", h.rateLimit(oauth.LimiterSSE, h.requireAuth(h.handleSSE)))
	mux.HandleFunc("POST /mcp/{connectionId}", h.rateLimit(oauth.LimiterGeneral, h.requireAuthRPC(h.handleSSEMessage)))
	mux.HandleFunc("GET /sse/stats", h.rateLimit(oauth.LimiterGeneral, h.requireAuth(h.handleSSEStats)))

	// Streamable HTTP transport.
	mux.HandleFunc("GET /mcp", h.rateLimit(oauth.LimiterGeneral, h.optionalAuth(h.handleMCPGet)))
	mux.HandleFunc("POST /mcp", h.rateLimit(oauth.LimiterGeneral, h.requireAuthRPC(h.handleMCPPost)))
	mux.HandleFunc("DELETE /mcp", h.rateLimit(oauth.LimiterGeneral, h.requireAuth(h.handleMCPDelete)))

	// Discovery documents.
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.rateLimit(oauth.LimiterGeneral, h.handleAuthServerMetadata))
	mux.HandleFunc("GET /.well-known/openid-configuration", h.rateLimit(oauth.LimiterGeneral, h.handleAuthServerMetadata))
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", h.rateLimit(oauth.LimiterGeneral, h.handleProtectedResourceMetadata))
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/mcp", h.rateLimit(oauth.LimiterGeneral, h.handleProtectedResourceMetadata))

	// GDPR.
	mux.HandleFunc("GET /api/gdpr/user-data", h.rateLimit(oauth.LimiterGDPRExport, h.requireAuth(h.handleGDPRExport)))
	mux.HandleFunc("DELETE /api/gdpr/user-data", h.rateLimit(oauth.LimiterGDPRDelete, h.requireAuth(h.handleGDPRDelete)))

	// Probes and the landing page.
	h.health.RegisterHealthEndpoints(mux)
	mux.HandleFunc("GET /test", h.rateLimit(oauth.LimiterGeneral, h.handleTestPage))

	return h.requestLogger(h.securityHeaders(mux))
}
