package oauth

import (
	"log/slog"
	"time"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Authentication events
	AuditEventAuthFailure    AuditEventType = "authentication_failed"
	AuditEventCodeGenerated  AuditEventType = "authorization_code_generated"
	AuditEventTokenIssued    AuditEventType = "token_issued"
	AuditEventTokenRevoked   AuditEventType = "token_revoked"
	AuditEventSessionDeleted AuditEventType = "session_deleted"

	// Client registration events
	AuditEventClientRegistered AuditEventType = "client_registered"
	AuditEventClientDeleted    AuditEventType = "client_deleted"

	// Security events
	AuditEventRateLimitExceeded AuditEventType = "rate_limit_exceeded"
	AuditEventInvalidPKCE       AuditEventType = "invalid_pkce"
	AuditEventInvalidRedirect   AuditEventType = "invalid_redirect"
	AuditEventKeyAccessed       AuditEventType = "encryption_key_accessed"

	// Administrative events
	AuditEventCleanupExpired AuditEventType = "cleanup_expired"
	AuditEventGDPRExport     AuditEventType = "gdpr_data_export"
	AuditEventGDPRDelete     AuditEventType = "gdpr_data_erasure"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	// Timestamp when the event occurred
	Timestamp time.Time

	// EventType is the type of audit event
	EventType AuditEventType

	// UserEmailHash is the hashed email of the user (never the raw email)
	UserEmailHash string

	// ClientID is the client identifier
	ClientID string

	// IPAddress is the source IP address (for security monitoring)
	IPAddress string

	// Success indicates if the operation succeeded
	Success bool

	// ErrorMessage contains error details if Success is false
	ErrorMessage string

	// Metadata contains additional context-specific data
	Metadata map[string]string
}

// AuditLogger provides secure audit logging for OAuth events.
// All sensitive data (emails, tokens) are hashed before logging.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger: logger,
	}
}

// LogEvent logs an audit event with structured logging
func (a *AuditLogger) LogEvent(event AuditEvent) {
	if a == nil {
		return
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}

	// Security events always log at warn level
	switch event.EventType {
	case AuditEventAuthFailure, AuditEventRateLimitExceeded,
		AuditEventInvalidPKCE, AuditEventInvalidRedirect:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("event_type", string(event.EventType)),
		slog.Time("timestamp", event.Timestamp),
		slog.Bool("success", event.Success),
	}

	if event.UserEmailHash != "" {
		attrs = append(attrs, slog.String("user_email_hash", event.UserEmailHash))
	}
	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error", event.ErrorMessage))
	}

	for key, value := range event.Metadata {
		attrs = append(attrs, slog.String("meta_"+key, value))
	}

	a.logger.LogAttrs(nil, level, "audit_event", attrs...)
}

// LogAuthFailure logs an authentication failure
func (a *AuditLogger) LogAuthFailure(userEmail, clientID, ipAddress, reason string) {
	a.LogEvent(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     AuditEventAuthFailure,
		UserEmailHash: hashForLogging(userEmail),
		ClientID:      clientID,
		IPAddress:     ipAddress,
		Success:       false,
		ErrorMessage:  reason,
	})
}

// LogCodeGenerated logs the issuance of a PKCE authorization code.
// The code itself is logged only as a hash prefix.
func (a *AuditLogger) LogCodeGenerated(userEmail, clientID, code string) {
	a.LogEvent(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     AuditEventCodeGenerated,
		UserEmailHash: hashForLogging(userEmail),
		ClientID:      clientID,
		Success:       true,
		Metadata: map[string]string{
			"code_hash": hashForLogging(code),
		},
	})
}

// LogTokenIssued logs when a bearer token is issued
func (a *AuditLogger) LogTokenIssued(userEmail, clientID, ipAddress, grantType string) {
	a.LogEvent(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     AuditEventTokenIssued,
		UserEmailHash: hashForLogging(userEmail),
		ClientID:      clientID,
		IPAddress:     ipAddress,
		Success:       true,
		Metadata: map[string]string{
			"grant_type": grantType,
		},
	})
}

// LogTokenRevoked logs when a bearer token is revoked
func (a *AuditLogger) LogTokenRevoked(userEmail, ipAddress, reason string) {
	a.LogEvent(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     AuditEventTokenRevoked,
		UserEmailHash: hashForLogging(userEmail),
		IPAddress:     ipAddress,
		Success:       true,
		Metadata: map[string]string{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs when a rate limit is exceeded
func (a *AuditLogger) LogRateLimitExceeded(scope, ipAddress, userEmail string) {
	a.LogEvent(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     AuditEventRateLimitExceeded,
		UserEmailHash: hashForLogging(userEmail),
		IPAddress:     ipAddress,
		Success:       false,
		ErrorMessage:  "rate limit exceeded",
		Metadata: map[string]string{
			"scope": scope,
		},
	})
}

// LogInvalidPKCE logs when PKCE validation fails
func (a *AuditLogger) LogInvalidPKCE(clientID, ipAddress, reason string) {
	a.LogEvent(AuditEvent{
		Timestamp:    time.Now(),
		EventType:    AuditEventInvalidPKCE,
		ClientID:     clientID,
		IPAddress:    ipAddress,
		Success:      false,
		ErrorMessage: reason,
	})
}

// LogInvalidRedirect logs a rejected redirect URI
func (a *AuditLogger) LogInvalidRedirect(clientID, ipAddress, uri string) {
	a.LogEvent(AuditEvent{
		Timestamp:    time.Now(),
		EventType:    AuditEventInvalidRedirect,
		ClientID:     clientID,
		IPAddress:    ipAddress,
		Success:      false,
		ErrorMessage: "redirect URI not in whitelist or registry",
		Metadata: map[string]string{
			"redirect_uri_hash": hashForLogging(uri),
		},
	})
}

// LogClientRegistered logs when a new client is registered
func (a *AuditLogger) LogClientRegistered(clientID, ipAddress string, confidential bool) {
	a.LogEvent(AuditEvent{
		Timestamp: time.Now(),
		EventType: AuditEventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Success:   true,
		Metadata: map[string]string{
			"confidential": boolToString(confidential),
		},
	})
}

// LogClientDeleted logs when a client registration is deleted
func (a *AuditLogger) LogClientDeleted(clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		Timestamp: time.Now(),
		EventType: AuditEventClientDeleted,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Success:   true,
	})
}
