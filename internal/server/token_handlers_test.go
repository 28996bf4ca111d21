package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveline/mcp-gateway/internal/oauth"
)

// issueCode drives the login and callback legs and returns the minted
// authorization code.
func issueCode(t *testing.T, env *testEnv) string {
	t.Helper()
	sessionID := startPKCEFlow(t, env, "abc123")
	callback := env.do(httptest.NewRequest(http.MethodGet,
		"/oauth2callback?code=good-code&state="+sessionID, nil))
	require.Equal(t, http.StatusFound, callback.Code)
	dest, err := url.Parse(callback.Header().Get("Location"))
	require.NoError(t, err)
	code := dest.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func tokenRequestForm(code, verifier string) *http.Request {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {testClientID},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/api/generate-token",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestGenerateTokenJSONBody(t *testing.T) {
	env := newTestEnv(t)
	code := issueCode(t, env)

	body := `{"grant_type":"authorization_code","code":"` + code +
		`","redirect_uri":"` + testRedirectURI +
		`","client_id":"` + testClientID +
		`","code_verifier":"` + testVerifier + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/generate-token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestGenerateTokenWrongVerifierBurnsCode(t *testing.T) {
	env := newTestEnv(t)
	code := issueCode(t, env)

	wrong := strings.Repeat("x", 43)
	rec := env.do(tokenRequestForm(code, wrong))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")

	// The code is consumed; even the correct verifier fails now.
	rec = env.do(tokenRequestForm(code, testVerifier))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestGenerateTokenCodeSingleUse(t *testing.T) {
	env := newTestEnv(t)
	code := issueCode(t, env)

	first := env.do(tokenRequestForm(code, testVerifier))
	require.Equal(t, http.StatusOK, first.Code)

	second := env.do(tokenRequestForm(code, testVerifier))
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Contains(t, second.Body.String(), "invalid_grant")
}

func TestGenerateTokenFieldBounds(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name     string
		code     string
		redirect string
		verifier string
		clientID string
	}{
		{"empty code", "", testRedirectURI, testVerifier, testClientID},
		{"oversized code", strings.Repeat("a", 513), testRedirectURI, testVerifier, testClientID},
		{"oversized redirect", "c", strings.Repeat("a", 2049), testVerifier, testClientID},
		{"short verifier", "c", testRedirectURI, strings.Repeat("a", 42), testClientID},
		{"long verifier", "c", testRedirectURI, strings.Repeat("a", 129), testClientID},
		{"empty client id", "c", testRedirectURI, testVerifier, ""},
		{"oversized client id", "c", testRedirectURI, testVerifier, strings.Repeat("a", 257)},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			form := url.Values{
				"grant_type":    {"authorization_code"},
				"code":          {tc.code},
				"redirect_uri":  {tc.redirect},
				"client_id":     {tc.clientID},
				"code_verifier": {tc.verifier},
			}
			req := httptest.NewRequest(http.MethodPost, "/api/generate-token",
				strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			// Each case gets its own address so the token limiter never
			// interferes with the validation under test.
			req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i+1))
			rec := env.do(req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid_request")
		})
	}
}

func TestGenerateTokenUnsupportedGrant(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{"grant_type": {"client_credentials"}}
	req := httptest.NewRequest(http.MethodPost, "/api/generate-token",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported_grant_type")
}

func TestGenerateTokenMissingGrantTypeWithoutCookie(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/generate-token", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
	assert.Contains(t, rec.Body.String(), "grant_type")
}

func TestGenerateTokenFromCookieSession(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)

	req := httptest.NewRequest(http.MethodPost, "/api/generate-token", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(sessionCookie(env, session.ID))

	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	decodeJSON(t, rec, &body)
	sessionID, err := env.tokens.Validate(t.Context(), body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, session.ID, sessionID)
}

func TestGenerateTokenEachRedemptionGetsOwnSession(t *testing.T) {
	env := newTestEnv(t)

	firstCode := issueCode(t, env)
	firstRec := env.do(tokenRequestForm(firstCode, testVerifier))
	require.Equal(t, http.StatusOK, firstRec.Code)
	var first map[string]any
	decodeJSON(t, firstRec, &first)

	secondCode := issueCode(t, env)
	secondRec := env.do(tokenRequestForm(secondCode, testVerifier))
	require.Equal(t, http.StatusOK, secondRec.Code)
	var second map[string]any
	decodeJSON(t, secondRec, &second)

	s1, err := env.tokens.Validate(t.Context(), first["access_token"].(string))
	require.NoError(t, err)
	s2, err := env.tokens.Validate(t.Context(), second["access_token"].(string))
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2, "each redemption must own an isolated session")
}

func TestRevokeTokensReportsCount(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)

	env.bearerToken(t, session.ID)
	env.bearerToken(t, session.ID)
	env.bearerToken(t, session.ID)

	req := httptest.NewRequest(http.MethodDelete, "/api/tokens", nil)
	req.AddCookie(sessionCookie(env, session.ID))
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, float64(3), body["count"])
}

func TestListTokensShowsPrefixesOnly(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)
	token := env.bearerToken(t, session.ID)

	req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tokens []oauth.TokenMetadata `json:"tokens"`
	}
	decodeJSON(t, rec, &body)
	require.Len(t, body.Tokens, 1)
	assert.Equal(t, token[:8]+"...", body.Tokens[0].TokenPrefix)
	assert.NotContains(t, rec.Body.String(), token)
}

func TestTokenLookupUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/api/token/no-such-token", nil)
			req.AddCookie(sessionCookie(env, session.ID))
			rec := env.do(req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid_token")
		})
	}
}

func TestTokenLookupShortToken(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)

	req := httptest.NewRequest(http.MethodGet, "/api/token/abc", nil)
	req.AddCookie(sessionCookie(env, session.ID))
	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_token")
}

func TestTokenCrossSessionAccessForbidden(t *testing.T) {
	env := newTestEnv(t)
	owner := env.authenticatedSession(t)
	ownerToken := env.bearerToken(t, owner.ID)

	other := env.authenticatedSession(t)
	otherToken := env.bearerToken(t, other.ID)

	req := httptest.NewRequest(http.MethodDelete, "/api/token/"+ownerToken, nil)
	req.Header.Set("Authorization", "Bearer "+otherToken)
	rec := env.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The owner's token still works.
	_, err := env.tokens.Validate(t.Context(), ownerToken)
	assert.NoError(t, err)
}

func TestRevokeSingleToken(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)
	token := env.bearerToken(t, session.ID)

	req := httptest.NewRequest(http.MethodDelete, "/api/token/"+token, nil)
	req.AddCookie(sessionCookie(env, session.ID))
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := env.tokens.Validate(t.Context(), token)
	assert.Error(t, err)
}
