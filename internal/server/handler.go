package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/driveline/mcp-gateway/internal/dispatch"
	"github.com/driveline/mcp-gateway/internal/google"
	"github.com/driveline/mcp-gateway/internal/instrumentation"
	"github.com/driveline/mcp-gateway/internal/oauth"
	"github.com/driveline/mcp-gateway/internal/storage"
)

const (
	// DefaultCookieName is the session cookie name.
	DefaultCookieName = "mcp_gateway_session"

	// CookieMaxAge bounds the cookie lifetime; the server-side session
	// expires first (4h absolute).
	CookieMaxAge = 24 * time.Hour

	// maxTokenRequestBody is the request body cap for token endpoints.
	maxTokenRequestBody = 10 * 1024

	// maxRPCRequestBody is the request body cap for JSON-RPC endpoints.
	maxRPCRequestBody = 1 << 20
)

// Config carries the orchestrator's deployment settings.
type Config struct {
	// BaseURL is the externally visible origin, e.g.
	// "https://gateway.example.com". Used for metadata documents, the
	// SSE endpoint event, and registration URIs.
	BaseURL string

	// Environment is the deployment environment ("development",
	// "staging", "production"). Production enforces Secure cookies and
	// the https redirect URI rule.
	Environment string

	// CookieName overrides DefaultCookieName.
	CookieName string

	// CookieDomain is the optional Domain cookie attribute.
	CookieDomain string

	// RedirectURIWhitelist is the static list of allowed redirect URIs,
	// checked as a union with the dynamic client registry.
	RedirectURIWhitelist []string
}

// Handler composes the auth stores, the upstream IdP, and the dispatcher
// behind the gateway's HTTP surface.
type Handler struct {
	cfg Config

	store      storage.Store
	sessions   *oauth.SessionStore
	flows      *oauth.FlowStore
	clients    *oauth.ClientStore
	tokens     *oauth.TokenStore
	limiter    *oauth.RateLimiter
	provider   google.Provider
	dispatcher dispatch.Dispatcher
	sse        *SSEManager

	audit   *oauth.AuditLogger
	metrics *instrumentation.Metrics
	health  *HealthChecker
	logger  *slog.Logger
}

// Deps bundles the collaborators a Handler composes.
type Deps struct {
	Store      storage.Store
	Sessions   *oauth.SessionStore
	Flows      *oauth.FlowStore
	Clients    *oauth.ClientStore
	Tokens     *oauth.TokenStore
	Limiter    *oauth.RateLimiter
	Provider   google.Provider
	Dispatcher dispatch.Dispatcher
	SSE        *SSEManager
	Audit      *oauth.AuditLogger
	Metrics    *instrumentation.Metrics
	Logger     *slog.Logger
}

// NewHandler creates the orchestrator.
func NewHandler(cfg Config, deps Deps) *Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		cfg:        cfg,
		store:      deps.Store,
		sessions:   deps.Sessions,
		flows:      deps.Flows,
		clients:    deps.Clients,
		tokens:     deps.Tokens,
		limiter:    deps.Limiter,
		provider:   deps.Provider,
		dispatcher: deps.Dispatcher,
		sse:        deps.SSE,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		health:     NewHealthChecker(deps.Store),
		logger:     logger,
	}

	// Non-critical write failures (lastAccessedAt stamping) flip the
	// health endpoint into degraded rather than failing the request.
	if deps.Sessions != nil {
		deps.Sessions.OnWriteDegraded(h.health.RecordDegradation)
	}
	return h
}

// Health exposes the degradation tracker for lifecycle wiring.
func (h *Handler) Health() *HealthChecker {
	return h.health
}

func (h *Handler) isProduction() bool {
	return h.cfg.Environment == "production"
}

// writeJSON writes a JSON response with the given status.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to write response", slog.String("error", err.Error()))
	}
}

// writeOAuthError writes an RFC 6749 shaped error body.
func (h *Handler) writeOAuthError(w http.ResponseWriter, oerr *oauth.OAuthError) {
	h.writeJSON(w, oerr.Status, map[string]string{
		"error":             oerr.Code,
		"error_description": oerr.Description,
	})
}

// writeServerError hides internal detail behind a generic OAuth error.
func (h *Handler) writeServerError(w http.ResponseWriter, operation string, err error) {
	h.logger.Error("request failed",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
	h.writeOAuthError(w, oauth.ErrServerError("an internal error occurred"))
}

// clientIP extracts the caller address, honoring the first hop of
// X-Forwarded-For when present (the gateway runs behind an ingress).
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// setSessionCookie issues the session cookie. SameSite=None because the
// OAuth return leg is a cross-site redirect from the IdP.
func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.cfg.CookieDomain,
		MaxAge:   int(CookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.isProduction(),
		SameSite: http.SameSiteNoneMode,
	})
}

// clearSessionCookie expires the session cookie.
func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.cfg.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.isProduction(),
		SameSite: http.SameSiteNoneMode,
	})
}

// isRedirectURIAllowed checks a redirect URI against the static whitelist
// and, when a client id accompanies it, the dynamic registry. The check is
// repeated at the callback; it is never cached between legs.
func (h *Handler) isRedirectURIAllowed(r *http.Request, clientID, uri string) bool {
	for _, allowed := range h.cfg.RedirectURIWhitelist {
		if allowed == uri {
			return true
		}
	}
	if clientID != "" && h.clients != nil {
		ok, err := h.clients.ValidateRedirectURI(r.Context(), clientID, uri)
		if err != nil {
			h.logger.Error("redirect uri registry check failed", slog.String("error", err.Error()))
			return false
		}
		return ok
	}
	return false
}
