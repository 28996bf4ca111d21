package server

import (
	"net/http"
	"net/url"

	"github.com/driveline/mcp-gateway/internal/instrumentation"
	"github.com/driveline/mcp-gateway/internal/logging"
	"github.com/driveline/mcp-gateway/internal/oauth"
)

// handleLogin starts the upstream OAuth flow. Three shapes of request
// arrive here: PKCE clients (client_id + redirect_uri + code_challenge),
// legacy clients (redirect_uri only), and plain browser logins (nothing).
// A fresh session is always minted; its id doubles as the state parameter
// so the callback can find the flow again.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	codeChallenge := q.Get("code_challenge")
	challengeMethod := q.Get("code_challenge_method")
	state := q.Get("state")

	isPKCE := clientID != "" && redirectURI != "" && codeChallenge != ""

	if redirectURI != "" && !h.isRedirectURIAllowed(r, clientID, redirectURI) {
		h.audit.LogInvalidRedirect(clientID, clientIP(r), redirectURI)
		h.writeOAuthError(w, oauth.ErrInvalidRedirectURI("redirect_uri is not registered"))
		return
	}
	if isPKCE && challengeMethod != "" && challengeMethod != oauth.CodeChallengeMethodS256 {
		h.writeOAuthError(w, oauth.ErrInvalidRequest("only the S256 code challenge method is supported"))
		return
	}

	session, err := h.sessions.Create(r.Context(), oauth.CreateSessionOptions{
		Metadata: oauth.SessionMetadata{
			UserAgent:   r.UserAgent(),
			IPAddress:   clientIP(r),
			RedirectURI: redirectURI,
			IsPKCEFlow:  isPKCE,
			ClientID:    clientID,
		},
	})
	if err != nil {
		h.writeServerError(w, "login.create_session", err)
		return
	}
	h.metrics.IncrementActiveSessions(r.Context())

	if isPKCE {
		err := h.flows.StoreRequest(r.Context(), session.ID, &oauth.AuthzRequest{
			ClientID:            clientID,
			RedirectURI:         redirectURI,
			State:               state,
			Scope:               q.Get("scope"),
			CodeChallenge:       codeChallenge,
			CodeChallengeMethod: oauth.CodeChallengeMethodS256,
			ResponseType:        "code",
		})
		if err != nil {
			h.writeServerError(w, "login.store_request", err)
			return
		}
	}

	h.setSessionCookie(w, session.ID)
	http.Redirect(w, r, h.provider.AuthURL(session.ID), http.StatusFound)
}

// handleCallback is the return leg from the consent screen. The state
// parameter carries the session id; the branch taken depends on what the
// session recorded at login time.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		h.audit.LogAuthFailure("", "", clientIP(r), "provider_error:"+errCode)
		h.metrics.RecordOAuthFlow(ctx, instrumentation.StatusError, instrumentation.FlowTypeDirect)
		h.renderErrorPage(w, http.StatusBadRequest, "Authorization failed",
			"The identity provider declined the request. You can close this window and try again.")
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		h.writeOAuthError(w, oauth.ErrInvalidRequest("missing code or state parameter"))
		return
	}

	session, err := h.sessions.Get(ctx, state)
	if err != nil {
		h.writeServerError(w, "callback.get_session", err)
		return
	}
	if session == nil {
		h.audit.LogAuthFailure("", "", clientIP(r), "unknown_state")
		h.renderErrorPage(w, http.StatusBadRequest, "Session expired",
			"This sign-in attempt is no longer valid. Start over from your application.")
		return
	}

	flowType := instrumentation.FlowTypeDirect
	if session.Metadata.IsPKCEFlow {
		flowType = instrumentation.FlowTypePKCE
	} else if session.Metadata.RedirectURI != "" {
		flowType = instrumentation.FlowTypeLegacy
	}

	tokens, err := h.provider.Exchange(ctx, code)
	if err != nil {
		h.metrics.RecordOAuthFlow(ctx, instrumentation.StatusError, flowType)
		h.logger.Error("code exchange failed", logging.Operation("callback.exchange"), logging.Err(err))
		h.renderErrorPage(w, http.StatusBadGateway, "Authorization failed",
			"The identity provider could not complete the sign-in. Please try again.")
		return
	}

	info, err := h.provider.UserInfo(ctx, tokens.AccessToken)
	if err != nil {
		h.metrics.RecordOAuthFlow(ctx, instrumentation.StatusError, flowType)
		h.logger.Error("userinfo lookup failed", logging.Operation("callback.userinfo"), logging.Err(err))
		h.renderErrorPage(w, http.StatusBadGateway, "Authorization failed",
			"The identity provider could not confirm your account. Please try again.")
		return
	}

	if _, err := h.sessions.StoreTokens(ctx, session.ID, tokens, info.Email); err != nil {
		h.metrics.RecordOAuthFlow(ctx, instrumentation.StatusError, flowType)
		h.writeServerError(w, "callback.store_tokens", err)
		return
	}

	switch {
	case session.Metadata.IsPKCEFlow:
		h.completePKCE(w, r, session, info.Email, tokens)
	case session.Metadata.RedirectURI != "":
		h.completeLegacy(w, r, session)
	default:
		h.metrics.RecordOAuthFlow(ctx, instrumentation.StatusSuccess, flowType)
		http.Redirect(w, r, "/test", http.StatusFound)
	}
}

// completePKCE mints the single-use authorization code and sends the
// client back to its redirect URI. The pending request is re-validated
// against the registry before the code is issued.
func (h *Handler) completePKCE(w http.ResponseWriter, r *http.Request, session *oauth.Session, userEmail string, tokens *oauth.OAuthTokens) {
	ctx := r.Context()

	req, err := h.flows.GetRequest(ctx, session.ID)
	if err != nil {
		h.writeServerError(w, "callback.get_request", err)
		return
	}
	if req == nil {
		h.metrics.RecordOAuthFlow(ctx, instrumentation.StatusError, instrumentation.FlowTypePKCE)
		h.renderErrorPage(w, http.StatusBadRequest, "Session expired",
			"This sign-in attempt is no longer valid. Start over from your application.")
		return
	}

	if !h.isRedirectURIAllowed(r, req.ClientID, req.RedirectURI) {
		h.audit.LogInvalidRedirect(req.ClientID, clientIP(r), req.RedirectURI)
		h.metrics.RecordOAuthFlow(ctx, instrumentation.StatusError, instrumentation.FlowTypePKCE)
		h.writeOAuthError(w, oauth.ErrInvalidRedirectURI("redirect_uri is no longer registered"))
		return
	}

	code, err := h.flows.GenerateCode(ctx, oauth.GenerateCodeParams{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
		UserEmail:           userEmail,
		GoogleAccessToken:   tokens.AccessToken,
		GoogleRefreshToken:  tokens.RefreshToken,
	})
	if err != nil {
		h.metrics.RecordOAuthFlow(ctx, instrumentation.StatusError, instrumentation.FlowTypePKCE)
		h.writeServerError(w, "callback.generate_code", err)
		return
	}
	if err := h.flows.DeleteRequest(ctx, session.ID); err != nil {
		h.logger.Warn("failed to clear pending authorization request",
			logging.Operation("callback.delete_request"), logging.Err(err))
	}

	dest, err := url.Parse(req.RedirectURI)
	if err != nil {
		h.writeOAuthError(w, oauth.ErrInvalidRedirectURI("redirect_uri is not a valid URL"))
		return
	}
	params := dest.Query()
	params.Set("code", code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	dest.RawQuery = params.Encode()

	h.metrics.RecordOAuthFlow(ctx, instrumentation.StatusSuccess, instrumentation.FlowTypePKCE)
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

// completeLegacy serves pre-PKCE clients: a bearer token is minted
// immediately and appended to the redirect URI as a query parameter.
func (h *Handler) completeLegacy(w http.ResponseWriter, r *http.Request, session *oauth.Session) {
	ctx := r.Context()

	token, err := h.tokens.Generate(ctx, session.ID)
	if err != nil {
		h.metrics.RecordOAuthFlow(ctx, instrumentation.StatusError, instrumentation.FlowTypeLegacy)
		h.writeServerError(w, "callback.generate_token", err)
		return
	}
	h.metrics.RecordTokenIssued(ctx, "legacy")

	dest, err := url.Parse(session.Metadata.RedirectURI)
	if err != nil {
		h.writeOAuthError(w, oauth.ErrInvalidRedirectURI("redirect_uri is not a valid URL"))
		return
	}
	params := dest.Query()
	params.Set("access_token", token)
	params.Set("token_type", "Bearer")
	dest.RawQuery = params.Encode()

	h.metrics.RecordOAuthFlow(ctx, instrumentation.StatusSuccess, instrumentation.FlowTypeLegacy)
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

// handleAuthStatus reports whether the caller holds a valid session.
func (h *Handler) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	info, err := h.authenticate(r)
	if err != nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"email":         info.Session.UserEmail,
		"expires_at":    info.Session.ExpiresAt,
	})
}

// handleLogout revokes the caller's bearer tokens, deletes the session,
// and clears the cookie.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	info, err := h.authenticate(r)
	if err != nil {
		h.clearSessionCookie(w)
		h.writeJSON(w, http.StatusOK, map[string]any{"logged_out": true})
		return
	}

	ctx := r.Context()
	revoked, err := h.tokens.RevokeForSession(ctx, info.Session.ID)
	if err != nil {
		h.logger.Error("token revocation during logout failed",
			logging.Operation("logout"), logging.Err(err))
	}
	if revoked > 0 {
		h.metrics.RecordTokensRevoked(ctx, revoked)
	}
	if _, err := h.sessions.Delete(ctx, info.Session.ID); err != nil {
		h.logger.Error("session delete during logout failed",
			logging.Operation("logout"), logging.Err(err))
	}
	h.metrics.DecrementActiveSessions(ctx)
	h.audit.LogTokenRevoked(info.Session.UserEmail, clientIP(r), "logout")

	h.clearSessionCookie(w)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"logged_out":     true,
		"tokens_revoked": revoked,
	})
}
