package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthServerMetadata(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/openid-configuration",
	} {
		rec := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)

		var doc map[string]any
		decodeJSON(t, rec, &doc)
		assert.Equal(t, testBaseURL, doc["issuer"])
		assert.Equal(t, testBaseURL+"/auth/login", doc["authorization_endpoint"])
		assert.Equal(t, testBaseURL+"/api/generate-token", doc["token_endpoint"])
		assert.Equal(t, testBaseURL+"/oauth/register", doc["registration_endpoint"])
		assert.Equal(t, []any{"code"}, doc["response_types_supported"])
		assert.Equal(t, []any{"authorization_code"}, doc["grant_types_supported"])
		assert.Equal(t, []any{"none"}, doc["token_endpoint_auth_methods_supported"])
		assert.Equal(t, []any{"S256"}, doc["code_challenge_methods_supported"])
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource/mcp", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	decodeJSON(t, rec, &doc)
	assert.Equal(t, testBaseURL+"/mcp", doc["resource"])
	assert.Equal(t, []any{testBaseURL}, doc["authorization_servers"])
}

func TestTestPageShowsAccountWhenAuthenticated(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.AddCookie(sessionCookie(env, session.ID))
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), testEmail)

	anon := env.do(httptest.NewRequest(http.MethodGet, "/test", nil))
	require.Equal(t, http.StatusOK, anon.Code)
	assert.NotContains(t, anon.Body.String(), testEmail)
}
