package server

import (
	"net/http"
	"time"

	"github.com/driveline/mcp-gateway/internal/logging"
	"github.com/driveline/mcp-gateway/internal/oauth"
)

// gdprExport is the data export document: everything the gateway holds
// about the caller. Google token material is excluded; the gateway only
// confirms whether upstream credentials exist.
type gdprExport struct {
	ExportedAt time.Time             `json:"exported_at"`
	Session    gdprSessionView       `json:"session"`
	Tokens     []oauth.TokenMetadata `json:"tokens"`
}

type gdprSessionView struct {
	ID              string                `json:"id"`
	UserEmail       string                `json:"user_email"`
	CreatedAt       time.Time             `json:"created_at"`
	ExpiresAt       time.Time             `json:"expires_at"`
	LastAccessedAt  time.Time             `json:"last_accessed_at"`
	HasGoogleTokens bool                  `json:"has_google_tokens"`
	Metadata        oauth.SessionMetadata `json:"metadata"`
}

// handleGDPRExport returns the caller's stored personal data.
func (h *Handler) handleGDPRExport(w http.ResponseWriter, r *http.Request) {
	info, _ := AuthFrom(r.Context())
	session := info.Session

	tokens, err := h.tokens.ListForSession(r.Context(), session.ID)
	if err != nil {
		h.writeServerError(w, "gdpr.export", err)
		return
	}

	h.writeJSON(w, http.StatusOK, gdprExport{
		ExportedAt: time.Now().UTC(),
		Session: gdprSessionView{
			ID:              session.ID,
			UserEmail:       session.UserEmail,
			CreatedAt:       session.CreatedAt,
			ExpiresAt:       session.ExpiresAt,
			LastAccessedAt:  session.LastAccessedAt,
			HasGoogleTokens: session.Tokens != nil,
			Metadata:        session.Metadata,
		},
		Tokens: tokens,
	})
}

// handleGDPRDelete erases the caller's data: all bearer tokens are
// revoked, the session (with its encrypted Google tokens) is deleted, and
// the cookie is cleared.
func (h *Handler) handleGDPRDelete(w http.ResponseWriter, r *http.Request) {
	info, _ := AuthFrom(r.Context())
	ctx := r.Context()
	session := info.Session

	revoked, err := h.tokens.RevokeForSession(ctx, session.ID)
	if err != nil {
		h.writeServerError(w, "gdpr.delete", err)
		return
	}
	if revoked > 0 {
		h.metrics.RecordTokensRevoked(ctx, revoked)
	}

	if _, err := h.sessions.Delete(ctx, session.ID); err != nil {
		h.writeServerError(w, "gdpr.delete", err)
		return
	}
	h.metrics.DecrementActiveSessions(ctx)
	h.audit.LogTokenRevoked(session.UserEmail, clientIP(r), "gdpr erasure")
	h.logger.Info("user data erased", logging.Operation("gdpr.delete"))

	h.clearSessionCookie(w)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"deleted":        true,
		"tokens_revoked": revoked,
	})
}
