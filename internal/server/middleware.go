package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/driveline/mcp-gateway/internal/dispatch"
	"github.com/driveline/mcp-gateway/internal/logging"
	"github.com/driveline/mcp-gateway/internal/oauth"
)

// Authentication methods accepted by the dual-auth middleware.
const (
	AuthMethodBearer = "bearer"
	AuthMethodCookie = "cookie"
)

// AuthInfo is the outcome of a successful authentication, stored on the
// request context.
type AuthInfo struct {
	Session *oauth.Session
	Method  string
}

type authInfoKey struct{}

// AuthFrom returns the authentication attached to ctx, if any.
func AuthFrom(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey{}).(*AuthInfo)
	return info, ok
}

// authenticate resolves the caller's session. The bearer token is tried
// first; if it is absent or fails, the cookie is consulted, so a valid
// bearer always wins when both are presented. Either path re-checks the
// session's authenticated flag so a revoked login cuts off immediately.
func (h *Handler) authenticate(r *http.Request) (*AuthInfo, error) {
	var bearerErr error
	if auth := r.Header.Get("Authorization"); auth != "" {
		info, err := h.authenticateBearer(r.Context(), auth)
		if err == nil {
			return info, nil
		}
		bearerErr = err
	}

	info, cookieErr := h.authenticateCookie(r)
	if cookieErr == nil {
		return info, nil
	}
	// The bearer failure is the more specific diagnosis when the caller
	// sent an Authorization header.
	if bearerErr != nil {
		return nil, bearerErr
	}
	return nil, cookieErr
}

func (h *Handler) authenticateBearer(ctx context.Context, header string) (*AuthInfo, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, oauth.ErrInvalidToken("malformed authorization header")
	}
	sessionID, err := h.tokens.Validate(ctx, token)
	if err != nil {
		if errors.Is(err, oauth.ErrTokenNotFound) {
			return nil, oauth.ErrInvalidToken("invalid or expired token")
		}
		return nil, err
	}
	session, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.Authenticated {
		return nil, oauth.ErrInvalidToken("session no longer valid")
	}
	return &AuthInfo{Session: session, Method: AuthMethodBearer}, nil
}

func (h *Handler) authenticateCookie(r *http.Request) (*AuthInfo, error) {
	cookie, err := r.Cookie(h.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, oauth.ErrInvalidToken("authentication required")
	}
	session, err := h.sessions.Get(r.Context(), cookie.Value)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.Authenticated {
		return nil, oauth.ErrInvalidToken("session no longer valid")
	}
	return &AuthInfo{Session: session, Method: AuthMethodCookie}, nil
}

// requireAuth wraps next with mandatory dual authentication. Failures
// produce an OAuth-shaped 401 JSON body.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := h.authenticate(r)
		if err != nil {
			h.writeAuthFailure(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), authInfoKey{}, info)))
	}
}

// requireAuthRPC is requireAuth for JSON-RPC routes: the 401 body is a
// JSON-RPC error envelope so protocol clients can surface it.
func (h *Handler) requireAuthRPC(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := h.authenticate(r)
		if err != nil {
			h.writeRPCAuthFailure(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), authInfoKey{}, info)))
	}
}

// optionalAuth attaches authentication when present but always calls next.
func (h *Handler) optionalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if info, err := h.authenticate(r); err == nil {
			r = r.WithContext(context.WithValue(r.Context(), authInfoKey{}, info))
		}
		next(w, r)
	}
}

func (h *Handler) writeAuthFailure(w http.ResponseWriter, r *http.Request, err error) {
	var oerr *oauth.OAuthError
	if !errors.As(err, &oerr) {
		h.writeServerError(w, "authenticate", err)
		return
	}
	h.audit.LogAuthFailure("", "", clientIP(r), oerr.Code)
	h.writeOAuthError(w, oerr)
}

func (h *Handler) writeRPCAuthFailure(w http.ResponseWriter, err error) {
	msg := "Authentication required"
	var oerr *oauth.OAuthError
	if errors.As(err, &oerr) {
		msg = oerr.Description
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write(dispatch.NewErrorResponse(nil, dispatch.CodeUnauthorized, msg))
}

// rateLimit guards next with the named limiter scope, keyed by client IP.
// A denied request gets a 429 with Retry-After; a failed-closed limiter
// check surfaces as 503.
func (h *Handler) rateLimit(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.admitRateLimited(w, r, scope) {
			return
		}
		next(w, r)
	}
}

// rateLimitFailures is rateLimit for scopes that count only failed
// requests: the hit is recorded up front (so the gate stays atomic) and
// forgiven again when the handler succeeds.
func (h *Handler) rateLimitFailures(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.admitRateLimited(w, r, scope) {
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if rec.status < http.StatusBadRequest {
			if err := h.limiter.Forgive(r.Context(), scope, clientIP(r)); err != nil {
				h.logger.Warn("rate limit forgive failed",
					logging.Operation("ratelimit"),
					slog.String("scope", scope),
					logging.Err(err),
				)
			}
		}
	}
}

// admitRateLimited runs the limiter gate for scope. It writes the 429 or
// 503 response and returns false when the request must not proceed.
func (h *Handler) admitRateLimited(w http.ResponseWriter, r *http.Request, scope string) bool {
	result, err := h.limiter.Allow(r.Context(), scope, clientIP(r))
	if err != nil {
		h.logger.Error("rate limit check failed",
			logging.Operation("ratelimit"),
			slog.String("scope", scope),
			logging.Err(err),
		)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":             "temporarily_unavailable",
			"error_description": "rate limiter unavailable",
		})
		return false
	}
	if !result.Allowed {
		h.metrics.RecordRateLimitRejection(r.Context(), scope)
		retryAfter := int(result.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":             "rate_limit_exceeded",
			"error_description": "too many requests, slow down",
			"retry_after":       retryAfter,
		})
		return false
	}
	return true
}

// securityHeaders sets the browser hardening headers on every response.
func (h *Handler) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("X-Frame-Options", "DENY")
		hdr.Set("X-Content-Type-Options", "nosniff")
		hdr.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		hdr.Set("Referrer-Policy", "no-referrer")
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			hdr.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE streaming survives the
// wrapper.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestLogger logs every request and feeds the HTTP metrics.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		h.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rec.status, duration)
		h.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", duration),
		)
	})
}
