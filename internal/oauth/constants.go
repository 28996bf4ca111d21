package oauth

import "time"

// Session lifetimes
const (
	// DefaultSessionTTL is the absolute lifetime of a session (4 hours).
	// After this, the session is gone regardless of activity.
	DefaultSessionTTL = 4 * time.Hour

	// DefaultIdleTTL is the idle lifetime of a session (30 minutes).
	// A session untouched for this long is treated as expired even when
	// its absolute lifetime has not elapsed.
	DefaultIdleTTL = 30 * time.Minute

	// DefaultRefreshTokenTTL is the assumed lifetime of upstream refresh
	// tokens (7 days). Informational only; Google owns the real expiry.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Authorization flow lifetimes
const (
	// DefaultAuthzRequestTTL is how long a pending authorization request
	// survives while the user is at the consent screen (10 minutes).
	DefaultAuthzRequestTTL = 10 * time.Minute

	// DefaultAuthzCodeTTL is how long an issued authorization code can be
	// redeemed (10 minutes, per OAuth 2.1 guidance).
	DefaultAuthzCodeTTL = 10 * time.Minute

	// DefaultClientTTL is the lifetime of a dynamic client registration
	// (30 days). Clients are expected to re-register.
	DefaultClientTTL = 30 * 24 * time.Hour

	// DefaultBearerTokenTTL is the lifetime of a first-party bearer token
	// (24 hours).
	DefaultBearerTokenTTL = 24 * time.Hour
)

// Retry and batch bounds
const (
	// DefaultMaxUpdateRetries bounds the optimistic-concurrency retry loop
	// for session updates before surfacing ErrConflict.
	DefaultMaxUpdateRetries = 3

	// DefaultMaxGenerateRetries bounds the conditional-set retry loop for
	// bearer token uniqueness before surfacing ErrGeneration.
	DefaultMaxGenerateRetries = 3
)

// PKCE constants (RFC 7636)
const (
	// MinCodeVerifierLength is the minimum length for PKCE code_verifier.
	MinCodeVerifierLength = 43

	// MaxCodeVerifierLength is the maximum length for PKCE code_verifier.
	MaxCodeVerifierLength = 128

	// CodeChallengeMethodS256 is the only supported challenge method.
	// "plain" is insecure and violates OAuth 2.1.
	CodeChallengeMethodS256 = "S256"
)

// Key namespaces in the shared store.
const (
	SessionKeyPrefix      = "sess:"
	AuthzRequestKeyPrefix = "oauth:authz_request:"
	AuthzCodeKeyPrefix    = "oauth:authz_code:"
	ClientKeyPrefix       = "oauth:client:"
	BearerTokenKeyPrefix  = "api-token:"
	RateLimitKeyPrefix    = "rl:"
)

// Client registration defaults and limits
const (
	// ClientIDPrefix is prepended to every generated client identifier.
	ClientIDPrefix = "mcp_"

	// DefaultMaxClientsPerIP caps registrations per source IP per day.
	DefaultMaxClientsPerIP = 10

	// DefaultTokenEndpointAuthMethod is the registration default; public
	// clients use PKCE instead of a secret.
	DefaultTokenEndpointAuthMethod = "none"
)

// Redirect URI validation
var (
	// DangerousSchemes lists URI schemes that must never be allowed as
	// redirect targets.
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// LoopbackAddresses lists recognized loopback hosts, exempt from the
	// https requirement in production (RFC 8252 native clients).
	LoopbackAddresses = []string{"localhost", "127.0.0.1", "::1", "[::1]"}
)

// OAuth grant and response type defaults
var (
	// DefaultGrantTypes are the grant types granted to new registrations.
	DefaultGrantTypes = []string{"authorization_code"}

	// DefaultResponseTypes are the response types granted to new
	// registrations.
	DefaultResponseTypes = []string{"code"}

	// SupportedCodeChallengeMethods are the PKCE methods we support.
	SupportedCodeChallengeMethods = []string{CodeChallengeMethodS256}

	// SupportedTokenAuthMethods are the accepted token endpoint auth
	// methods for dynamic registration.
	SupportedTokenAuthMethods = []string{"none", "client_secret_basic", "client_secret_post"}
)
