package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError("invalid_request", desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code is invalid, expired,
	// already consumed, or failed PKCE verification. The reasons are never
	// distinguished to the client.
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError("invalid_grant", desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError("invalid_client", desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError("invalid_token", desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError("unsupported_grant_type", desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError("server_error", desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError("access_denied", desc, http.StatusForbidden)
	}

	// ErrInvalidRedirectURI indicates the redirect URI is invalid or not registered
	ErrInvalidRedirectURI = func(desc string) *OAuthError {
		return NewOAuthError("invalid_redirect_uri", desc, http.StatusBadRequest)
	}
)

// Sentinel errors surfaced by the stores. The HTTP layer maps these onto
// status codes; they never reach clients verbatim.
var (
	// ErrConflict is returned when a session update loses the optimistic
	// concurrency race on every retry.
	ErrConflict = errors.New("session update conflict: retries exhausted")

	// ErrGeneration is returned when bearer token generation cannot find
	// a unique token within the retry budget.
	ErrGeneration = errors.New("token generation failed: could not obtain unique token")

	// ErrTokenNotFound is returned by token validation for missing,
	// expired, or revoked tokens.
	ErrTokenNotFound = errors.New("token not found or expired")

	// ErrCrypto is wrapped around any AES-GCM failure. Surfaced to
	// clients only as a generic server error.
	ErrCrypto = errors.New("crypto failure")

	// ErrRegistrationLimit is returned when an IP exceeds its dynamic
	// client registration quota.
	ErrRegistrationLimit = errors.New("client registration limit reached for this address")
)
