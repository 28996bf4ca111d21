package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/driveline/mcp-gateway/internal/oauth"
)

// registrationResponse is the RFC 7591 registration document returned on
// a successful POST /oauth/register.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	RegistrationClientURI   string   `json:"registration_client_uri"`
}

// handleRegisterClient implements RFC 7591 dynamic registration. No
// authentication is required; the per-IP quota bounds abuse. Requests
// without an Origin header are allowed since native MCP clients do not
// send one.
func (h *Handler) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTokenRequestBody)

	var req oauth.RegisterClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeOAuthError(w, oauth.ErrInvalidRequest("request body is not valid JSON"))
		return
	}

	client, secret, err := h.clients.Register(r.Context(), &req, clientIP(r))
	if err != nil {
		if errors.Is(err, oauth.ErrRegistrationLimit) {
			w.Header().Set("Retry-After", "86400")
			h.writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":             "rate_limit_exceeded",
				"error_description": "registration limit reached for this address",
			})
			return
		}
		var oerr *oauth.OAuthError
		if errors.As(err, &oerr) {
			h.writeOAuthError(w, oerr)
			return
		}
		h.writeServerError(w, "client.register", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, registrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		RegistrationClientURI:   h.cfg.BaseURL + "/oauth/register/" + client.ClientID,
	})
}

// handleGetClient returns a registration's public view.
func (h *Handler) handleGetClient(w http.ResponseWriter, r *http.Request) {
	client, err := h.clients.Get(r.Context(), r.PathValue("clientID"))
	if err != nil {
		h.writeServerError(w, "client.get", err)
		return
	}
	if client == nil {
		h.writeOAuthError(w, oauth.ErrInvalidClient("unknown client"))
		return
	}
	h.writeJSON(w, http.StatusOK, client.Public())
}

// handleDeleteClient removes a registration.
func (h *Handler) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.clients.Delete(r.Context(), r.PathValue("clientID"), clientIP(r))
	if err != nil {
		h.writeServerError(w, "client.delete", err)
		return
	}
	if !deleted {
		h.writeOAuthError(w, oauth.ErrInvalidClient("unknown client"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
