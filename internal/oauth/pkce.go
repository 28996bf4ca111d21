package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// GenerateCodeVerifier generates a random code verifier for PKCE.
// The code verifier is a cryptographically random string using the
// characters [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~" with a minimum
// length of 43 characters and a maximum length of 128 characters.
func GenerateCodeVerifier() (string, error) {
	// 32 bytes (256 bits) encodes to 43 characters in base64url.
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateCodeChallenge derives the S256 code challenge from a verifier:
// code_challenge = BASE64URL(SHA256(ASCII(code_verifier))).
func GenerateCodeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// ValidateCodeChallenge reports whether the verifier matches the challenge
// under the given method. Only S256 is accepted; "plain" and anything else
// fail unconditionally per OAuth 2.1.
func ValidateCodeChallenge(verifier, challenge, method string) bool {
	if method != CodeChallengeMethodS256 {
		return false
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return false
	}
	return GenerateCodeChallenge(verifier) == challenge
}

// GenerateAuthorizationCode generates a random authorization code:
// 32 random bytes, base64url-encoded without padding.
func GenerateAuthorizationCode() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateState generates a random state parameter for CSRF protection.
func GenerateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
