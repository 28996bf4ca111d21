// Package logging provides structured logging utilities for the gateway.
//
// This package centralizes logging patterns to ensure consistent, structured
// logging throughout the codebase using the standard library's slog package.
//
// # Key Features
//
//   - Structured logging with slog
//   - PII sanitization (email anonymization and masking)
//   - Credential redaction (tokens, session identifiers)
//   - Consistent attribute naming across the codebase
//
// # Usage Patterns
//
// Create a logger with standard attributes:
//
//	logger := logging.WithOperation(slog.Default(), "token.generate")
//	logger.Info("token issued",
//	    logging.Status("success"))
//
// Sanitize sensitive data before logging:
//
//	logger.Info("user operation",
//	    logging.UserHash(email),
//	    logging.SessionID(sessionID))
//
// # Security Considerations
//
// This package is designed with security in mind:
//   - User emails are hashed to prevent PII leakage while allowing correlation
//   - Bearer tokens, authorization codes, and session identifiers are never
//     logged beyond a length indicator or a hash prefix
package logging
