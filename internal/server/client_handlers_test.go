package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerBody(name string) string {
	return `{"client_name":"` + name + `","redirect_uris":["https://app.example.com/cb"]}`
}

func TestRegisterClientReturnsRegistrationDocument(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(registerBody("Inspector")))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var doc registrationResponse
	decodeJSON(t, rec, &doc)
	assert.True(t, strings.HasPrefix(doc.ClientID, "mcp_"))
	assert.NotZero(t, doc.ClientIDIssuedAt)
	assert.Zero(t, doc.ClientSecretExpiresAt)
	assert.Empty(t, doc.ClientSecret, "public clients receive no secret")
	assert.Equal(t, "none", doc.TokenEndpointAuthMethod)
	assert.Equal(t, testBaseURL+"/oauth/register/"+doc.ClientID, doc.RegistrationClientURI)
}

func TestRegisterConfidentialClientReturnsSecretOnce(t *testing.T) {
	env := newTestEnv(t)

	body := `{"redirect_uris":["https://app.example.com/cb"],"token_endpoint_auth_method":"client_secret_post"}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var doc registrationResponse
	decodeJSON(t, rec, &doc)
	require.NotEmpty(t, doc.ClientSecret)

	// The stored view never exposes secret material.
	get := env.do(httptest.NewRequest(http.MethodGet, "/oauth/register/"+doc.ClientID, nil))
	require.Equal(t, http.StatusOK, get.Code)
	assert.NotContains(t, get.Body.String(), doc.ClientSecret)
	assert.NotContains(t, get.Body.String(), "client_secret_hash")
}

func TestRegisterClientRejectsMissingRedirectURIs(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(`{"client_name":"NoRedirects"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestRegisterClientIPQuota(t *testing.T) {
	env := newTestEnv(t)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		req := httptest.NewRequest(http.MethodPost, "/oauth/register",
			strings.NewReader(registerBody("Client")))
		req.Header.Set("Content-Type", "application/json")
		rec = env.do(req)
	}
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different address still registers.
	req := httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(registerBody("Client")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.10")
	rec = env.do(req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestGetUnknownClient(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/oauth/register/mcp_nope", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeleteClient(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(registerBody("Doomed")))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var doc registrationResponse
	decodeJSON(t, rec, &doc)

	del := env.do(httptest.NewRequest(http.MethodDelete, "/oauth/register/"+doc.ClientID, nil))
	assert.Equal(t, http.StatusNoContent, del.Code)

	gone := env.do(httptest.NewRequest(http.MethodGet, "/oauth/register/"+doc.ClientID, nil))
	assert.Equal(t, http.StatusUnauthorized, gone.Code)
}

func TestRegisteredClientRedirectURIAcceptedAtLogin(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(`{"redirect_uris":["https://dynamic.example/cb"]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var doc registrationResponse
	decodeJSON(t, rec, &doc)

	// The dynamically registered URI passes login validation even though
	// it is not on the static whitelist.
	login := env.do(httptest.NewRequest(http.MethodGet, loginURL(map[string]string{
		"client_id":      doc.ClientID,
		"redirect_uri":   "https://dynamic.example/cb",
		"code_challenge": testChallenge,
	}), nil))
	assert.Equal(t, http.StatusFound, login.Code)
}
