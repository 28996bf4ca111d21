package server

import "net/http"

// handleAuthServerMetadata serves the RFC 8414 authorization server
// metadata. The gateway is the authorization server from the MCP client's
// point of view; Google stays hidden behind it.
func (h *Handler) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	base := h.cfg.BaseURL
	h.writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/auth/login",
		"token_endpoint":                        base + "/api/generate-token",
		"registration_endpoint":                 base + "/oauth/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

// handleProtectedResourceMetadata serves the RFC 9728 protected resource
// document referenced from the WWW-Authenticate challenge.
func (h *Handler) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	base := h.cfg.BaseURL
	h.writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 base + "/mcp",
		"authorization_servers":    []string{base},
		"bearer_methods_supported": []string{"header"},
	})
}
