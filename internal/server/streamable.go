package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/driveline/mcp-gateway/internal/oauth"
)

// mcpSessionHeader carries the transport session id on Streamable HTTP
// exchanges.
const mcpSessionHeader = "Mcp-Session-Id"

// handleMCPGet is the Streamable HTTP negotiation leg. Unauthenticated
// callers get the RFC 9728 challenge pointing at the protected resource
// metadata; authenticated callers get an event stream.
func (h *Handler) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	info, ok := AuthFrom(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer resource_metadata=%q`, h.cfg.BaseURL+"/.well-known/oauth-protected-resource/mcp"))
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "invalid_token",
			"error_description": "authentication required",
		})
		return
	}

	flusher, flushOK := w.(http.Flusher)
	if !flushOK {
		h.writeJSON(w, http.StatusNotImplemented, map[string]string{
			"error":             "server_error",
			"error_description": "streaming not supported",
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(mcpSessionHeader, info.Session.ID)

	conn, err := h.sse.Connect(r.Context(), info.Session.UserEmail, w, flusher)
	if err != nil {
		if errors.Is(err, ErrCapacity) {
			h.writeOAuthError(w, oauth.NewOAuthError("temporarily_unavailable", "connection capacity reached", http.StatusTooManyRequests))
			return
		}
		h.writeServerError(w, "mcp.connect", err)
		return
	}
	select {
	case <-r.Context().Done():
		h.sse.Remove(conn.ID())
	case <-conn.Done():
	}
}

// handleMCPPost dispatches one JSON-RPC message and answers on the same
// exchange.
func (h *Handler) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	info, _ := AuthFrom(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRPCRequestBody))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "failed to read request body",
		})
		return
	}

	w.Header().Set(mcpSessionHeader, info.Session.ID)

	response := h.dispatcher.Dispatch(r.Context(), info.Session, body)
	if response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(response)
}

// handleMCPDelete tears down the transport session: the caller's live
// streams are closed. The login session itself survives; /auth/logout
// ends it.
func (h *Handler) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	info, _ := AuthFrom(r.Context())

	h.sse.CloseForUser(info.Session.UserEmail)
	w.WriteHeader(http.StatusNoContent)
}
