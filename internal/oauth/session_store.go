package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/driveline/mcp-gateway/internal/logging"
	"github.com/driveline/mcp-gateway/internal/storage"
)

// errSessionExpired aborts an optimistic update when the watched snapshot
// is past its absolute or idle expiry.
var errSessionExpired = errors.New("session expired")

// SessionStoreConfig tunes session lifetimes and the update retry budget.
// Zero values select the defaults.
type SessionStoreConfig struct {
	AbsoluteTTL time.Duration
	IdleTTL     time.Duration
	MaxRetries  int
}

// SessionStore owns Session records and their embedded encrypted tokens.
type SessionStore struct {
	store       storage.Store
	cipher      *TokenEncryption
	absoluteTTL time.Duration
	idleTTL     time.Duration
	maxRetries  int
	logger      *slog.Logger

	// now is replaceable in tests.
	now func() time.Time

	// onWriteDegraded is invoked when a non-critical write (access-time
	// stamping) fails; the read still succeeds. Used by the health
	// tracker.
	onWriteDegraded func(err error)
}

// NewSessionStore creates a session store on the shared KV.
func NewSessionStore(store storage.Store, cipher *TokenEncryption, cfg SessionStoreConfig, logger *slog.Logger) *SessionStore {
	if cfg.AbsoluteTTL <= 0 {
		cfg.AbsoluteTTL = DefaultSessionTTL
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxUpdateRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		store:       store,
		cipher:      cipher,
		absoluteTTL: cfg.AbsoluteTTL,
		idleTTL:     cfg.IdleTTL,
		maxRetries:  cfg.MaxRetries,
		logger:      logger,
		now:         time.Now,
	}
}

// OnWriteDegraded registers a callback for failed non-critical writes.
func (s *SessionStore) OnWriteDegraded(fn func(err error)) {
	s.onWriteDegraded = fn
}

// CreateSessionOptions controls session creation.
type CreateSessionOptions struct {
	// TTL overrides the absolute session lifetime when positive.
	TTL time.Duration

	// Metadata is attached to the new session verbatim.
	Metadata SessionMetadata
}

// Create mints a new unauthenticated session.
func (s *SessionStore) Create(ctx context.Context, opts CreateSessionOptions) (*Session, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.absoluteTTL
	}

	now := s.now()
	rec := sessionRecord{
		ID:             uuid.NewString(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
		Authenticated:  false,
		Metadata:       opts.Metadata,
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize session: %w", err)
	}
	if err := s.store.Set(ctx, SessionKeyPrefix+rec.ID, string(payload), ttl); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	return s.toSession(&rec), nil
}

// Get loads a session, enforcing absolute then idle expiry, and stamps
// lastAccessedAt on success. Returns (nil, nil) when the session does not
// exist or has expired; both expiries delete the key.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	key := SessionKeyPrefix + id

	payload, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var rec sessionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		s.logger.Warn("deleting unparseable session record", logging.SessionID(id), logging.Err(err))
		_, _ = s.store.Delete(ctx, key)
		return nil, nil
	}

	now := s.now()
	if reason := s.expiryReason(&rec, now); reason != "" {
		if _, err := s.store.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to delete expired session", logging.SessionID(id), logging.Err(err))
		}
		return nil, nil
	}

	session := s.toSession(&rec)

	// Touch: stamp access time and re-write with the preserved remaining
	// TTL. This write is non-critical; the read still returns the
	// session if it fails.
	rec.LastAccessedAt = now
	remaining, err := s.store.TTL(ctx, key)
	if err != nil || remaining <= 0 {
		remaining = s.absoluteTTL
	}
	if touched, err := json.Marshal(rec); err == nil {
		if err := s.store.Set(ctx, key, string(touched), remaining); err != nil {
			s.logger.Warn("failed to stamp session access time", logging.SessionID(id), logging.Err(err))
			if s.onWriteDegraded != nil {
				s.onWriteDegraded(err)
			}
		} else {
			session.LastAccessedAt = now
		}
	}

	return session, nil
}

// SessionPatch describes a partial session mutation. Nil fields are left
// untouched; id and lastAccessedAt are always forced by the store.
type SessionPatch struct {
	Tokens        *OAuthTokens
	Authenticated *bool
	UserEmail     *string
	Metadata      *SessionMetadata
	ExpiresAt     *time.Time
}

// Update applies patch under optimistic concurrency control: the key is
// watched, the snapshot re-validated against both expiries, the patch
// composed and committed in one transaction. A concurrent writer aborts the
// commit; the update retries up to MaxRetries times before failing with
// ErrConflict. Returns (nil, nil) for missing or expired sessions.
func (s *SessionStore) Update(ctx context.Context, id string, patch SessionPatch) (*Session, error) {
	key := SessionKeyPrefix + id

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var result *Session

		err := s.store.Update(ctx, key, func(current string) (string, time.Duration, error) {
			var rec sessionRecord
			if err := json.Unmarshal([]byte(current), &rec); err != nil {
				return "", 0, fmt.Errorf("failed to parse session record: %w", err)
			}

			now := s.now()
			if reason := s.expiryReason(&rec, now); reason != "" {
				return "", 0, errSessionExpired
			}

			if patch.Tokens != nil {
				encrypted, err := s.cipher.EncryptTokens(patch.Tokens)
				if err != nil {
					return "", 0, err
				}
				rec.EncryptedTokens = encrypted
			}
			if patch.Authenticated != nil {
				rec.Authenticated = *patch.Authenticated
			}
			if patch.UserEmail != nil {
				rec.UserEmail = *patch.UserEmail
			}
			if patch.Metadata != nil {
				rec.Metadata = *patch.Metadata
			}
			if patch.ExpiresAt != nil {
				rec.ExpiresAt = *patch.ExpiresAt
			}

			rec.ID = id
			rec.LastAccessedAt = now

			ttl := rec.ExpiresAt.Sub(now)
			if ttl <= 0 {
				return "", 0, errSessionExpired
			}

			payload, err := json.Marshal(rec)
			if err != nil {
				return "", 0, fmt.Errorf("failed to serialize session: %w", err)
			}

			session := s.toSession(&rec)
			if patch.Tokens != nil {
				tokens := *patch.Tokens
				session.Tokens = &tokens
			}
			result = session
			return string(payload), ttl, nil
		})

		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, storage.ErrTxnConflict):
			continue
		case errors.Is(err, storage.ErrNotFound):
			return nil, nil
		case errors.Is(err, errSessionExpired):
			_, _ = s.store.Delete(ctx, key)
			return nil, nil
		default:
			return nil, fmt.Errorf("failed to update session: %w", err)
		}
	}

	return nil, ErrConflict
}

// StoreTokens marks the session authenticated and stores the encrypted
// upstream tokens. This is the only transition into the authenticated state.
func (s *SessionStore) StoreTokens(ctx context.Context, id string, tokens *OAuthTokens, userEmail string) (*Session, error) {
	authenticated := true
	patch := SessionPatch{
		Tokens:        tokens,
		Authenticated: &authenticated,
	}
	if userEmail != "" {
		patch.UserEmail = &userEmail
	}
	return s.Update(ctx, id, patch)
}

// Delete removes a session. Returns true if the session existed.
func (s *SessionStore) Delete(ctx context.Context, id string) (bool, error) {
	return s.store.Delete(ctx, SessionKeyPrefix+id)
}

// Refresh extends the session's absolute lifetime from now.
func (s *SessionStore) Refresh(ctx context.Context, id string) (*Session, error) {
	expiresAt := s.now().Add(s.absoluteTTL)
	return s.Update(ctx, id, SessionPatch{ExpiresAt: &expiresAt})
}

// CleanupExpired removes sessions past their absolute expiry and any
// records that no longer parse. Scans in cursor batches; never blocks the
// keyspace.
func (s *SessionStore) CleanupExpired(ctx context.Context) (int, error) {
	removed := 0
	now := s.now()

	err := s.store.Scan(ctx, SessionKeyPrefix+"*", func(key string) error {
		payload, err := s.store.Get(ctx, key)
		if err != nil {
			return nil // already gone
		}
		var rec sessionRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			if ok, _ := s.store.Delete(ctx, key); ok {
				removed++
			}
			return nil
		}
		if rec.ExpiresAt.Before(now) {
			if ok, _ := s.store.Delete(ctx, key); ok {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("session cleanup scan failed: %w", err)
	}
	return removed, nil
}

// expiryReason applies the absolute check, then the idle check. Returns an
// empty string while the session is live.
func (s *SessionStore) expiryReason(rec *sessionRecord, now time.Time) string {
	if rec.ExpiresAt.Before(now) {
		return "absolute"
	}
	if now.Sub(rec.LastAccessedAt) > s.idleTTL {
		return "idle"
	}
	return ""
}

// toSession decrypts the record's tokens and builds the in-memory view.
// A decryption failure is logged and yields an unauthenticated session with
// no tokens; the record is intentionally not deleted since the failure may
// be a transient key-rotation problem.
func (s *SessionStore) toSession(rec *sessionRecord) *Session {
	session := &Session{
		ID:             rec.ID,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
		LastAccessedAt: rec.LastAccessedAt,
		UserEmail:      rec.UserEmail,
		Metadata:       rec.Metadata,
	}

	if rec.EncryptedTokens == "" {
		return session
	}

	tokens, err := s.cipher.DecryptTokens(rec.EncryptedTokens)
	if err != nil {
		s.logger.Warn("failed to decrypt session tokens",
			logging.SessionID(rec.ID),
			logging.Err(err),
		)
		return session
	}

	session.Tokens = tokens
	session.Authenticated = rec.Authenticated
	return session
}
