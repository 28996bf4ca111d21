// Package google wraps the upstream Google OAuth 2.0 identity provider.
//
// The gateway never exposes Google tokens to its own clients; this package
// is the only place that talks to Google's authorization, token, and
// userinfo endpoints. Everything it returns is handed to the session layer
// for encrypted storage.
package google
