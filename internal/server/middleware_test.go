package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveline/mcp-gateway/internal/oauth"
)

func TestAuthBearerTakesPrecedenceOverCookie(t *testing.T) {
	env := newTestEnv(t)
	cookieSession := env.authenticatedSession(t)
	bearerSession := env.authenticatedSession(t)
	bearer := env.bearerToken(t, bearerSession.ID)

	req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.AddCookie(sessionCookie(env, cookieSession.ID))

	info, err := env.handler.authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, AuthMethodBearer, info.Method)
	assert.Equal(t, bearerSession.ID, info.Session.ID)
}

func TestAuthInvalidBearerFallsBackToCookie(t *testing.T) {
	env := newTestEnv(t)
	cookieSession := env.authenticatedSession(t)

	// A stale bearer token must not lock out a caller whose cookie
	// session is still valid.
	req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	req.AddCookie(sessionCookie(env, cookieSession.ID))

	info, err := env.handler.authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, AuthMethodCookie, info.Method)
	assert.Equal(t, cookieSession.ID, info.Session.ID)
}

func TestAuthInvalidBearerWithoutCookieReportsBearerError(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")

	_, err := env.handler.authenticate(req)
	require.Error(t, err)
	var oerr *oauth.OAuthError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, "invalid_token", oerr.Code)
	assert.Contains(t, oerr.Description, "token")
}

func TestAuthCookieFallback(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
	req.AddCookie(sessionCookie(env, session.ID))

	info, err := env.handler.authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, AuthMethodCookie, info.Method)
}

func TestAuthUnauthenticatedSessionRejected(t *testing.T) {
	env := newTestEnv(t)

	// A session that never completed the callback.
	session, err := env.sessions.Create(context.Background(), oauth.CreateSessionOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
	req.AddCookie(sessionCookie(env, session.ID))
	_, err = env.handler.authenticate(req)
	assert.Error(t, err)
}

func TestAuthRevokedSessionClosesBearerWindow(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)
	bearer := env.bearerToken(t, session.ID)

	// Deleting the session invalidates the still-unexpired bearer token
	// on the very next request.
	_, err := env.sessions.Delete(context.Background(), session.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRPCRoutesReturnJSONRPCShapedUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	rec := env.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, "2.0", body["jsonrpc"])
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "401 body must be a JSON-RPC error envelope")
	assert.Equal(t, float64(-32001), errObj["code"])
}

func TestSecurityHeadersOnEveryResponse(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"),
		"HSTS only applies on https")
}

func TestSecurityHeadersHSTSBehindTLSProxy(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := env.do(req)
	assert.Contains(t, rec.Header().Get("Strict-Transport-Security"), "max-age=")
}

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	env := newTestEnv(t)

	// Token scope allows five hits per window.
	var rec *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/generate-token", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		rec = env.do(req)
	}
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, "rate_limit_exceeded", body["error"])

	// A different address is unaffected.
	req := httptest.NewRequest(http.MethodPost, "/api/generate-token", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec = env.do(req)
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
}

func TestAuthLimiterExcludesSuccessfulLogins(t *testing.T) {
	env := newTestEnv(t)

	// Twelve clean logins from one address, above the auth window's
	// failure budget. None may be rejected.
	for i := 0; i < 12; i++ {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))
		require.Equal(t, http.StatusFound, rec.Code, "login %d", i+1)
	}
}

func TestAuthLimiterCountsFailedLogins(t *testing.T) {
	env := newTestEnv(t)

	badLogin := func() *httptest.ResponseRecorder {
		return env.do(httptest.NewRequest(http.MethodGet, loginURL(map[string]string{
			"client_id":      testClientID,
			"redirect_uri":   "https://evil.example/cb",
			"code_challenge": testChallenge,
		}), nil))
	}

	for i := 0; i < 10; i++ {
		rec := badLogin()
		require.Equal(t, http.StatusBadRequest, rec.Code, "failure %d", i+1)
	}

	rec := badLogin()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A clean login from the same address is locked out too; the window
	// protects against the address, not the parameters.
	rec = env.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGeneralLimiterCoversFallbackRoutes(t *testing.T) {
	env := newTestEnv(t)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 301; i++ {
		rec = env.do(httptest.NewRequest(http.MethodGet, "/auth/status", nil))
	}
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Health probes stay outside every limiter scope.
	health := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	bare.RemoteAddr = "198.51.100.4:5123"
	assert.Equal(t, "198.51.100.4", clientIP(bare))
}
