package oauth

import "time"

// OAuthTokens is the upstream token set obtained from Google. It is never
// persisted in the clear; the session store seals it with TokenEncryption
// before writing.
type OAuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	TokenType    string `json:"token_type,omitempty"`

	// ExpiryDate is the access token expiry as milliseconds since epoch.
	ExpiryDate int64 `json:"expiry_date,omitempty"`
}

// Expired reports whether the access token is past its expiry.
func (t *OAuthTokens) Expired(now time.Time) bool {
	return t.ExpiryDate > 0 && now.UnixMilli() >= t.ExpiryDate
}

// SessionMetadata carries opaque per-session context captured at creation.
type SessionMetadata struct {
	UserAgent   string `json:"userAgent,omitempty"`
	IPAddress   string `json:"ipAddress,omitempty"`
	RedirectURI string `json:"redirectUri,omitempty"`
	IsPKCEFlow  bool   `json:"isPKCEFlow,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	GrantType   string `json:"grantType,omitempty"`
}

// Session is the decrypted, in-memory view of a session record. Tokens are
// nil when the session is unauthenticated or when decryption failed.
type Session struct {
	ID             string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	Authenticated  bool
	UserEmail      string
	Tokens         *OAuthTokens
	Metadata       SessionMetadata
}

// sessionRecord is the stored (wire) form of a session. Tokens appear only
// as ciphertext.
type sessionRecord struct {
	ID              string          `json:"id"`
	CreatedAt       time.Time       `json:"createdAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	LastAccessedAt  time.Time       `json:"lastAccessedAt"`
	Authenticated   bool            `json:"authenticated"`
	UserEmail       string          `json:"userEmail,omitempty"`
	EncryptedTokens string          `json:"encryptedTokens,omitempty"`
	Metadata        SessionMetadata `json:"metadata"`
}

// AuthzRequest is the pending PKCE authorization request stored while the
// user is at the Google consent screen, keyed by session id.
type AuthzRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	State               string `json:"state,omitempty"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	ResponseType        string `json:"response_type"`
}

// AuthzCode is a single-use authorization code binding the PKCE challenge,
// the client, and the freshly obtained Google tokens.
type AuthzCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	State               string    `json:"state,omitempty"`
	UserEmail           string    `json:"user_email"`
	GoogleAccessToken   string    `json:"google_access_token"`
	GoogleRefreshToken  string    `json:"google_refresh_token,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// RegisteredClient is a dynamically registered OAuth client (RFC 7591).
// Secrets are stored only as bcrypt hashes; the plaintext is returned once
// at registration time.
type RegisteredClient struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"`
	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CreatedAt               time.Time `json:"created_at"`
	RegistrationIP          string    `json:"registration_ip,omitempty"`
}

// Public returns the client's registration view without secret material.
func (c *RegisteredClient) Public() *RegisteredClient {
	out := *c
	out.ClientSecretHash = ""
	out.RegistrationIP = ""
	return &out
}

// BearerToken maps an opaque first-party token to its owning session.
// The store TTL is authoritative; ExpiresAt is an audit field.
type BearerToken struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenMetadata is the listing view of a bearer token. It carries only a
// display prefix, never the full verifier material.
type TokenMetadata struct {
	TokenPrefix string    `json:"token_prefix"`
	SessionID   string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
