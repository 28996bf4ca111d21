package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driveline/mcp-gateway/internal/logging"
	"github.com/driveline/mcp-gateway/internal/storage"
)

// FlowStore holds the short-lived PKCE flow state: pending authorization
// requests (keyed by session) and single-use authorization codes.
type FlowStore struct {
	store  storage.Store
	audit  *AuditLogger
	logger *slog.Logger

	requestTTL time.Duration
	codeTTL    time.Duration

	now func() time.Time
}

// NewFlowStore creates a flow store on the shared KV.
func NewFlowStore(store storage.Store, audit *AuditLogger, logger *slog.Logger) *FlowStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowStore{
		store:      store,
		audit:      audit,
		logger:     logger,
		requestTTL: DefaultAuthzRequestTTL,
		codeTTL:    DefaultAuthzCodeTTL,
		now:        time.Now,
	}
}

// StoreRequest saves the pending authorization request for a session while
// the user is at the consent screen. Expires if consent is abandoned.
func (f *FlowStore) StoreRequest(ctx context.Context, sessionID string, req *AuthzRequest) error {
	if req.CodeChallengeMethod == "" {
		req.CodeChallengeMethod = CodeChallengeMethodS256
	}
	if req.ResponseType == "" {
		req.ResponseType = "code"
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to serialize authorization request: %w", err)
	}
	if err := f.store.Set(ctx, AuthzRequestKeyPrefix+sessionID, string(payload), f.requestTTL); err != nil {
		return fmt.Errorf("failed to store authorization request: %w", err)
	}
	return nil
}

// GetRequest returns the pending authorization request for a session, or
// (nil, nil) if none exists.
func (f *FlowStore) GetRequest(ctx context.Context, sessionID string) (*AuthzRequest, error) {
	payload, err := f.store.Get(ctx, AuthzRequestKeyPrefix+sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read authorization request: %w", err)
	}

	var req AuthzRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, fmt.Errorf("failed to parse authorization request: %w", err)
	}
	return &req, nil
}

// DeleteRequest removes the pending authorization request for a session.
func (f *FlowStore) DeleteRequest(ctx context.Context, sessionID string) error {
	if _, err := f.store.Delete(ctx, AuthzRequestKeyPrefix+sessionID); err != nil {
		return fmt.Errorf("failed to delete authorization request: %w", err)
	}
	return nil
}

// GenerateCodeParams binds an authorization code to the client, the PKCE
// challenge, the user, and the Google tokens obtained at the callback.
type GenerateCodeParams struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	UserEmail           string
	GoogleAccessToken   string
	GoogleRefreshToken  string
}

// GenerateCode mints a single-use authorization code: 32 random bytes,
// base64url. The code record expires after ten minutes if never redeemed.
func (f *FlowStore) GenerateCode(ctx context.Context, params GenerateCodeParams) (string, error) {
	if params.CodeChallengeMethod == "" {
		params.CodeChallengeMethod = CodeChallengeMethodS256
	}

	code, err := GenerateAuthorizationCode()
	if err != nil {
		return "", err
	}

	now := f.now()
	record := AuthzCode{
		Code:                code,
		ClientID:            params.ClientID,
		RedirectURI:         params.RedirectURI,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		State:               params.State,
		UserEmail:           params.UserEmail,
		GoogleAccessToken:   params.GoogleAccessToken,
		GoogleRefreshToken:  params.GoogleRefreshToken,
		CreatedAt:           now,
		ExpiresAt:           now.Add(f.codeTTL),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to serialize authorization code: %w", err)
	}
	if err := f.store.Set(ctx, AuthzCodeKeyPrefix+code, string(payload), f.codeTTL); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	f.audit.LogCodeGenerated(params.UserEmail, params.ClientID, code)
	return code, nil
}

// ValidateAndConsume redeems an authorization code. The read-and-delete is
// one atomic server-side operation, so exactly one concurrent caller can
// obtain the record; everyone else sees a missing key. Any subsequent
// mismatch (expiry, client, redirect URI, PKCE) returns (nil, nil) and the
// code remains consumed — a failed redemption can never be retried.
func (f *FlowStore) ValidateAndConsume(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*AuthzCode, error) {
	payload, err := f.store.GetDel(ctx, AuthzCodeKeyPrefix+code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	var record AuthzCode
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		f.logger.Warn("consumed unparseable authorization code", logging.Err(err))
		return nil, nil
	}

	if f.now().After(record.ExpiresAt) {
		f.audit.LogInvalidPKCE(clientID, "", "authorization code expired")
		return nil, nil
	}
	if record.ClientID != clientID {
		f.audit.LogInvalidPKCE(clientID, "", "client_id mismatch")
		return nil, nil
	}
	if record.RedirectURI != redirectURI {
		f.audit.LogInvalidPKCE(clientID, "", "redirect_uri mismatch")
		return nil, nil
	}
	if !ValidateCodeChallenge(codeVerifier, record.CodeChallenge, record.CodeChallengeMethod) {
		f.audit.LogInvalidPKCE(clientID, "", "code_verifier mismatch")
		return nil, nil
	}

	return &record, nil
}
