package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMCPGetUnauthenticatedChallenges(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/mcp", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	challenge := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, "Bearer")
	assert.Contains(t, challenge, testBaseURL+"/.well-known/oauth-protected-resource/mcp")
}

func TestMCPPostDispatchesAndEchoesSessionID(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)
	bearer := env.bearerToken(t, session.ID)

	req := httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`))
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.ID, rec.Header().Get("Mcp-Session-Id"))
	assert.Contains(t, rec.Body.String(), `"echo":"tools/list"`)
}

func TestMCPPostNotificationAccepted(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)
	bearer := env.bearerToken(t, session.ID)

	req := httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec := env.do(req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMCPDeleteClosesUserStreams(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)
	bearer := env.bearerToken(t, session.ID)

	var buf bytes.Buffer
	_, err := env.sse.Connect(context.Background(), testEmail, &buf, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec := env.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, env.sse.Stats().TotalConnections)
}
