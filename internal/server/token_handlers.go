package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/driveline/mcp-gateway/internal/oauth"
)

// tokenRequest is the body of POST /api/generate-token, accepted as JSON
// or an RFC 6749 form encoding.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	CodeVerifier string `json:"code_verifier"`
}

// Field length bounds for the token endpoint. Oversized values are
// rejected before any store lookup.
const (
	maxCodeLen        = 512
	maxRedirectURILen = 2048
	minVerifierLen    = 43
	maxVerifierLen    = 128
	maxClientIDLen    = 256
)

func parseTokenRequest(r *http.Request) (*tokenRequest, *oauth.OAuthError) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxTokenRequestBody)

	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/json"):
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, oauth.ErrInvalidRequest("request body is not valid JSON")
		}
		return &req, nil
	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"), ct == "":
		if err := r.ParseForm(); err != nil {
			return nil, oauth.ErrInvalidRequest("request body is not a valid form")
		}
		return &tokenRequest{
			GrantType:    r.PostFormValue("grant_type"),
			Code:         r.PostFormValue("code"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			ClientID:     r.PostFormValue("client_id"),
			ClientSecret: r.PostFormValue("client_secret"),
			CodeVerifier: r.PostFormValue("code_verifier"),
		}, nil
	default:
		return nil, oauth.ErrInvalidRequest("unsupported content type")
	}
}

func (req *tokenRequest) validate() *oauth.OAuthError {
	switch {
	case req.Code == "" || len(req.Code) > maxCodeLen:
		return oauth.ErrInvalidRequest(fmt.Sprintf("code must be between 1 and %d characters", maxCodeLen))
	case req.RedirectURI == "" || len(req.RedirectURI) > maxRedirectURILen:
		return oauth.ErrInvalidRequest(fmt.Sprintf("redirect_uri must be between 1 and %d characters", maxRedirectURILen))
	case len(req.CodeVerifier) < minVerifierLen || len(req.CodeVerifier) > maxVerifierLen:
		return oauth.ErrInvalidRequest(fmt.Sprintf("code_verifier must be between %d and %d characters", minVerifierLen, maxVerifierLen))
	case req.ClientID == "" || len(req.ClientID) > maxClientIDLen:
		return oauth.ErrInvalidRequest(fmt.Sprintf("client_id must be between 1 and %d characters", maxClientIDLen))
	}
	return nil
}

// handleGenerateToken is the token endpoint. The authorization_code grant
// redeems a PKCE code for a fresh bearer token bound to a brand new
// authenticated session; the legacy path mints a token for an existing
// cookie session.
func (h *Handler) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, oerr := parseTokenRequest(r)
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}

	// An omitted grant_type selects the legacy cookie path only when a
	// session cookie is actually present; otherwise the request is simply
	// malformed (RFC 6749 requires grant_type).
	if req.GrantType == "" {
		if _, err := r.Cookie(h.cfg.CookieName); err != nil {
			h.writeOAuthError(w, oauth.ErrInvalidRequest("grant_type is required"))
			return
		}
		h.generateTokenFromCookie(w, r)
		return
	}
	if req.GrantType == "cookie" {
		h.generateTokenFromCookie(w, r)
		return
	}
	if req.GrantType != "authorization_code" {
		h.writeOAuthError(w, oauth.ErrUnsupportedGrantType("only the authorization_code grant is supported"))
		return
	}
	if oerr := req.validate(); oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}

	if req.ClientSecret != "" {
		if err := h.clients.ValidateSecret(ctx, req.ClientID, req.ClientSecret); err != nil {
			var clientErr *oauth.OAuthError
			if errors.As(err, &clientErr) {
				h.writeOAuthError(w, clientErr)
				return
			}
			h.writeServerError(w, "token.validate_secret", err)
			return
		}
	}

	grant, err := h.flows.ValidateAndConsume(ctx, req.Code, req.ClientID, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		h.writeServerError(w, "token.consume_code", err)
		return
	}
	if grant == nil {
		h.audit.LogInvalidPKCE(req.ClientID, clientIP(r), "code redemption failed")
		h.writeOAuthError(w, oauth.ErrInvalidGrant("authorization code is invalid or expired"))
		return
	}

	// Each redemption gets its own session so revoking the token cannot
	// strand another client's login.
	session, err := h.sessions.Create(ctx, oauth.CreateSessionOptions{
		Metadata: oauth.SessionMetadata{
			UserAgent:  r.UserAgent(),
			IPAddress:  clientIP(r),
			IsPKCEFlow: true,
			ClientID:   grant.ClientID,
			GrantType:  "authorization_code",
		},
	})
	if err != nil {
		h.writeServerError(w, "token.create_session", err)
		return
	}
	h.metrics.IncrementActiveSessions(ctx)

	tokens := &oauth.OAuthTokens{
		AccessToken:  grant.GoogleAccessToken,
		RefreshToken: grant.GoogleRefreshToken,
		TokenType:    "Bearer",
	}
	if _, err := h.sessions.StoreTokens(ctx, session.ID, tokens, grant.UserEmail); err != nil {
		h.writeServerError(w, "token.store_tokens", err)
		return
	}

	h.issueToken(w, r, session.ID, grant.UserEmail, grant.ClientID, "authorization_code")
}

// generateTokenFromCookie mints a bearer token for an already
// authenticated cookie session.
func (h *Handler) generateTokenFromCookie(w http.ResponseWriter, r *http.Request) {
	info, err := h.authenticate(r)
	if err != nil {
		h.writeAuthFailure(w, r, err)
		return
	}
	h.issueToken(w, r, info.Session.ID, info.Session.UserEmail, info.Session.Metadata.ClientID, "cookie")
}

func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request, sessionID, userEmail, clientID, grantType string) {
	ctx := r.Context()

	token, err := h.tokens.Generate(ctx, sessionID)
	if err != nil {
		if errors.Is(err, oauth.ErrGeneration) {
			h.writeOAuthError(w, oauth.ErrServerError("token generation failed, try again"))
			return
		}
		h.writeServerError(w, "token.generate", err)
		return
	}

	h.audit.LogTokenIssued(userEmail, clientID, clientIP(r), grantType)
	h.metrics.RecordTokenIssued(ctx, grantType)

	h.writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(h.tokens.TokenTTL().Seconds()),
	})
}

// displayPrefix truncates a token to a loggable display form.
func displayPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}

// handleListTokens lists the caller's bearer tokens as display prefixes.
func (h *Handler) handleListTokens(w http.ResponseWriter, r *http.Request) {
	info, _ := AuthFrom(r.Context())

	list, err := h.tokens.ListForSession(r.Context(), info.Session.ID)
	if err != nil {
		h.writeServerError(w, "tokens.list", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tokens": list})
}

// handleRevokeTokens revokes every bearer token of the caller's session.
func (h *Handler) handleRevokeTokens(w http.ResponseWriter, r *http.Request) {
	info, _ := AuthFrom(r.Context())
	ctx := r.Context()

	revoked, err := h.tokens.RevokeForSession(ctx, info.Session.ID)
	if err != nil {
		h.writeServerError(w, "tokens.revoke_all", err)
		return
	}
	if revoked > 0 {
		h.metrics.RecordTokensRevoked(ctx, revoked)
		h.audit.LogTokenRevoked(info.Session.UserEmail, clientIP(r), "bulk revocation")
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"count": revoked})
}

// handleGetToken returns metadata for a single token. Only the owning
// session may look it up.
func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	info, _ := AuthFrom(r.Context())
	token := r.PathValue("token")

	data, err := h.tokens.GetData(r.Context(), token)
	if err != nil {
		h.writeServerError(w, "tokens.get", err)
		return
	}
	if data == nil {
		h.writeOAuthError(w, oauth.ErrInvalidToken("token not found"))
		return
	}
	if data.SessionID != info.Session.ID {
		h.writeOAuthError(w, oauth.ErrAccessDenied("token belongs to another session"))
		return
	}
	h.writeJSON(w, http.StatusOK, oauth.TokenMetadata{
		TokenPrefix: displayPrefix(token),
		SessionID:   data.SessionID,
		CreatedAt:   data.CreatedAt,
		ExpiresAt:   data.ExpiresAt,
	})
}

// handleRevokeToken revokes a single token owned by the caller's session.
func (h *Handler) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	info, _ := AuthFrom(r.Context())
	ctx := r.Context()
	token := r.PathValue("token")

	data, err := h.tokens.GetData(ctx, token)
	if err != nil {
		h.writeServerError(w, "tokens.revoke", err)
		return
	}
	if data == nil {
		h.writeOAuthError(w, oauth.ErrInvalidToken("token not found"))
		return
	}
	if data.SessionID != info.Session.ID {
		h.writeOAuthError(w, oauth.ErrAccessDenied("token belongs to another session"))
		return
	}

	revoked, err := h.tokens.Revoke(ctx, token)
	if err != nil {
		h.writeServerError(w, "tokens.revoke", err)
		return
	}
	if revoked {
		h.metrics.RecordTokensRevoked(ctx, 1)
		h.audit.LogTokenRevoked(info.Session.UserEmail, clientIP(r), "single revocation")
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}
