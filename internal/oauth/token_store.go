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

// TokenStore owns first-party bearer tokens: opaque UUID handles mapped to
// sessions. Tokens are not JWTs; validation is a store round trip, which
// makes revocation instantaneous.
type TokenStore struct {
	store  storage.Store
	audit  *AuditLogger
	logger *slog.Logger

	tokenTTL   time.Duration
	maxRetries int

	// newID is replaceable in tests to simulate collisions.
	newID func() string
	now   func() time.Time
}

// NewTokenStore creates a bearer token store on the shared KV.
func NewTokenStore(store storage.Store, audit *AuditLogger, logger *slog.Logger) *TokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenStore{
		store:      store,
		audit:      audit,
		logger:     logger,
		tokenTTL:   DefaultBearerTokenTTL,
		maxRetries: DefaultMaxGenerateRetries,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// TokenTTL returns the configured bearer token lifetime.
func (t *TokenStore) TokenTTL() time.Duration {
	return t.tokenTTL
}

// Generate mints a bearer token for a session. Uniqueness across the
// keyspace is guaranteed by a conditional set-if-absent; a collision (which
// would require a UUID clash) retries up to the budget before surfacing
// ErrGeneration.
func (t *TokenStore) Generate(ctx context.Context, sessionID string) (string, error) {
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		token := t.newID()
		now := t.now()

		record := BearerToken{
			Token:     token,
			SessionID: sessionID,
			CreatedAt: now,
			ExpiresAt: now.Add(t.tokenTTL),
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return "", fmt.Errorf("failed to serialize token: %w", err)
		}

		ok, err := t.store.SetNX(ctx, BearerTokenKeyPrefix+token, string(payload), t.tokenTTL)
		if err != nil {
			return "", fmt.Errorf("failed to store token: %w", err)
		}
		if ok {
			return token, nil
		}
		t.logger.Warn("bearer token collision, retrying", logging.Operation("token.generate"))
	}
	return "", ErrGeneration
}

// Validate resolves a bearer token to its owning session id. Missing and
// expired tokens fail with ErrTokenNotFound; a token past its recorded
// expiry is revoked as a side effect.
func (t *TokenStore) Validate(ctx context.Context, token string) (string, error) {
	record, err := t.GetData(ctx, token)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", ErrTokenNotFound
	}

	if t.now().After(record.ExpiresAt) {
		_, _ = t.store.Delete(ctx, BearerTokenKeyPrefix+token)
		return "", ErrTokenNotFound
	}
	return record.SessionID, nil
}

// GetData returns the token record, or (nil, nil) if absent.
func (t *TokenStore) GetData(ctx context.Context, token string) (*BearerToken, error) {
	payload, err := t.store.Get(ctx, BearerTokenKeyPrefix+token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token: %w", err)
	}

	var record BearerToken
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("failed to parse token record: %w", err)
	}
	return &record, nil
}

// Revoke deletes one token. Returns true if it existed.
func (t *TokenStore) Revoke(ctx context.Context, token string) (bool, error) {
	ok, err := t.store.Delete(ctx, BearerTokenKeyPrefix+token)
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	return ok, nil
}

// RevokeForSession deletes every token owned by a session. O(N) over all
// live tokens via cursor scan; intended for operator actions (logout-all,
// GDPR erasure) and rate-limited by callers.
func (t *TokenStore) RevokeForSession(ctx context.Context, sessionID string) (int, error) {
	revoked := 0
	err := t.forEachToken(ctx, func(key string, record *BearerToken) error {
		if record.SessionID != sessionID {
			return nil
		}
		if ok, _ := t.store.Delete(ctx, key); ok {
			revoked++
		}
		return nil
	})
	if err != nil {
		return revoked, err
	}
	return revoked, nil
}

// ListForSession returns metadata for every token owned by a session.
// The full token string is never returned, only a display prefix.
func (t *TokenStore) ListForSession(ctx context.Context, sessionID string) ([]TokenMetadata, error) {
	var out []TokenMetadata
	err := t.forEachToken(ctx, func(_ string, record *BearerToken) error {
		if record.SessionID != sessionID {
			return nil
		}
		out = append(out, TokenMetadata{
			TokenPrefix: tokenDisplayPrefix(record.Token),
			SessionID:   record.SessionID,
			CreatedAt:   record.CreatedAt,
			ExpiresAt:   record.ExpiresAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CleanupExpired removes tokens whose recorded expiry has passed and any
// records that no longer parse.
func (t *TokenStore) CleanupExpired(ctx context.Context) (int, error) {
	removed := 0
	now := t.now()

	err := t.store.Scan(ctx, BearerTokenKeyPrefix+"*", func(key string) error {
		payload, err := t.store.Get(ctx, key)
		if err != nil {
			return nil // already gone
		}
		var record BearerToken
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			if ok, _ := t.store.Delete(ctx, key); ok {
				removed++
			}
			return nil
		}
		if now.After(record.ExpiresAt) {
			if ok, _ := t.store.Delete(ctx, key); ok {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("token cleanup scan failed: %w", err)
	}
	return removed, nil
}

// Count returns the number of live tokens.
func (t *TokenStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := t.store.Scan(ctx, BearerTokenKeyPrefix+"*", func(string) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("token count scan failed: %w", err)
	}
	return n, nil
}

func (t *TokenStore) forEachToken(ctx context.Context, fn func(key string, record *BearerToken) error) error {
	err := t.store.Scan(ctx, BearerTokenKeyPrefix+"*", func(key string) error {
		payload, err := t.store.Get(ctx, key)
		if err != nil {
			return nil // deleted between scan and read
		}
		var record BearerToken
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			t.logger.Warn("skipping unparseable token record", logging.Err(err))
			return nil
		}
		return fn(key, &record)
	})
	if err != nil {
		return fmt.Errorf("token scan failed: %w", err)
	}
	return nil
}
