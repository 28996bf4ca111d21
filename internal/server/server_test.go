package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driveline/mcp-gateway/internal/dispatch"
	"github.com/driveline/mcp-gateway/internal/google"
	"github.com/driveline/mcp-gateway/internal/oauth"
	"github.com/driveline/mcp-gateway/internal/storage"
)

const (
	testBaseURL     = "https://gateway.example.com"
	testRedirectURI = "https://inspector.example/cb"
	testClientID    = "mcp_inspector_1"
	testEmail       = "jane@example.com"

	// RFC 7636 appendix B vector.
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

// fakeProvider is an in-memory IdP: "good-code" exchanges successfully,
// everything else fails.
type fakeProvider struct {
	email       string
	exchangeErr error
}

func (p *fakeProvider) AuthURL(state string) string {
	return "https://idp.example.com/auth?state=" + state
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*oauth.OAuthTokens, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	if code != "good-code" {
		return nil, fmt.Errorf("unknown code")
	}
	return &oauth.OAuthTokens{
		AccessToken:  "ya29.fake-access",
		RefreshToken: "1//fake-refresh",
		TokenType:    "Bearer",
	}, nil
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string) (*oauth.OAuthTokens, error) {
	return &oauth.OAuthTokens{
		AccessToken:  "ya29.refreshed",
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
	}, nil
}

func (p *fakeProvider) UserInfo(_ context.Context, accessToken string) (*google.UserInfo, error) {
	if accessToken != "ya29.fake-access" && accessToken != "ya29.refreshed" {
		return nil, fmt.Errorf("rejected token")
	}
	return &google.UserInfo{ID: "108", Email: p.email, VerifiedEmail: true}, nil
}

// echoDispatcher answers every request with a fixed result and swallows
// notifications, mirroring the real dispatcher's contract.
type echoDispatcher struct{}

func (echoDispatcher) Dispatch(_ context.Context, _ *oauth.Session, message json.RawMessage) json.RawMessage {
	env := dispatch.ParseEnvelope(message)
	if env.IsNotification() {
		return nil
	}
	out, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      env.ID,
		"result":  map[string]string{"echo": env.Method},
	})
	return out
}

type testEnv struct {
	handler  *Handler
	routes   http.Handler
	store    *storage.MemoryStore
	sessions *oauth.SessionStore
	flows    *oauth.FlowStore
	clients  *oauth.ClientStore
	tokens   *oauth.TokenStore
	provider *fakeProvider
	sse      *SSEManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := oauth.NewAuditLogger(logger)

	cipher, err := oauth.NewTokenEncryption(bytes.Repeat([]byte{0x2a}, 32))
	require.NoError(t, err)

	sessions := oauth.NewSessionStore(store, cipher, oauth.SessionStoreConfig{}, logger)
	flows := oauth.NewFlowStore(store, audit, logger)
	clients := oauth.NewClientStore(store, audit, oauth.ClientStoreConfig{Environment: "development"}, logger)
	tokens := oauth.NewTokenStore(store, audit, logger)
	limiter := oauth.NewRateLimiter(store, nil, audit, logger)
	provider := &fakeProvider{email: testEmail}
	sse := NewSSEManager(SSEManagerConfig{BaseURL: testBaseURL}, nil, logger)

	handler := NewHandler(Config{
		BaseURL:              testBaseURL,
		Environment:          "development",
		RedirectURIWhitelist: []string{testRedirectURI},
	}, Deps{
		Store:      store,
		Sessions:   sessions,
		Flows:      flows,
		Clients:    clients,
		Tokens:     tokens,
		Limiter:    limiter,
		Provider:   provider,
		Dispatcher: echoDispatcher{},
		SSE:        sse,
		Audit:      audit,
		Logger:     logger,
	})
	t.Cleanup(sse.Shutdown)

	return &testEnv{
		handler:  handler,
		routes:   handler.Routes(),
		store:    store,
		sessions: sessions,
		flows:    flows,
		clients:  clients,
		tokens:   tokens,
		provider: provider,
		sse:      sse,
	}
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.routes.ServeHTTP(rec, req)
	return rec
}

// authenticatedSession creates a logged-in session directly through the
// stores, bypassing the HTTP flow.
func (env *testEnv) authenticatedSession(t *testing.T) *oauth.Session {
	t.Helper()
	ctx := context.Background()

	session, err := env.sessions.Create(ctx, oauth.CreateSessionOptions{})
	require.NoError(t, err)

	session, err = env.sessions.StoreTokens(ctx, session.ID, &oauth.OAuthTokens{
		AccessToken:  "ya29.fake-access",
		RefreshToken: "1//fake-refresh",
	}, testEmail)
	require.NoError(t, err)
	return session
}

// bearerToken mints a bearer token for the session.
func (env *testEnv) bearerToken(t *testing.T, sessionID string) string {
	t.Helper()
	token, err := env.tokens.Generate(context.Background(), sessionID)
	require.NoError(t, err)
	return token
}

func sessionCookie(env *testEnv, sessionID string) *http.Cookie {
	return &http.Cookie{Name: env.handler.cfg.CookieName, Value: sessionID}
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}
