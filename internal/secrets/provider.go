// Package secrets loads the gateway's data-encryption key from Google
// Secret Manager, with a short-lived in-memory cache and an environment
// fallback for non-production deployments.
package secrets

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

const (
	// EncryptionKeySize is the required key length for AES-256.
	EncryptionKeySize = 32

	// cacheTTL bounds how long a fetched key is reused before the secret
	// store is consulted again. Five minutes keeps key rotation latency
	// low without hammering the API on every request.
	cacheTTL = 5 * time.Minute
)

// Provider supplies the 32-byte data-encryption key.
type Provider interface {
	// EncryptionKey returns the current data-encryption key.
	EncryptionKey(ctx context.Context) ([]byte, error)

	// ClearCache drops any cached key so the next call re-fetches.
	ClearCache()
}

// Config holds settings for the Secret Manager provider.
type Config struct {
	// ProjectID is the GCP project holding the secret.
	ProjectID string

	// SecretName is the secret's name; the latest version is read. The
	// payload must be a JSON object with a "key" field holding the
	// hex-encoded 32-byte key.
	SecretName string

	// Environment is the deployment environment ("production" enforces
	// remote fetch; anything else permits the env fallback).
	Environment string

	// EnvKey is an optional hex-encoded key from the environment. In
	// development it is used directly, bypassing the remote fetch; in any
	// non-production environment it also serves as the fallback when the
	// remote fetch fails.
	EnvKey string
}

// Manager implements Provider against Google Secret Manager.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	cached    []byte
	fetchedAt time.Time

	// fetch is replaceable in tests.
	fetch func(ctx context.Context) ([]byte, error)
}

// NewManager creates a key provider. No connection is made until the first
// EncryptionKey call.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{cfg: cfg, logger: logger}
	m.fetch = m.fetchFromSecretManager
	return m
}

// IsProduction reports whether the provider runs with production policy.
func (m *Manager) IsProduction() bool {
	return m.cfg.Environment == "production"
}

// EncryptionKey implements Provider.
func (m *Manager) EncryptionKey(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && time.Since(m.fetchedAt) < cacheTTL {
		return m.cached, nil
	}

	if m.cfg.Environment == "development" && m.cfg.EnvKey != "" {
		key, err := decodeKey(m.cfg.EnvKey)
		if err != nil {
			return nil, fmt.Errorf("invalid environment encryption key: %w", err)
		}
		m.logger.Info("encryption key accessed",
			slog.String("event_type", "encryption_key_accessed"),
			slog.String("source", "environment"),
			slog.Bool("success", true),
		)
		m.cached = key
		m.fetchedAt = time.Now()
		return key, nil
	}

	key, err := m.fetch(ctx)
	if err != nil {
		if !m.IsProduction() && m.cfg.EnvKey != "" {
			m.logger.Warn("secret store fetch failed, falling back to environment key",
				slog.String("event_type", "encryption_key_accessed"),
				slog.String("source", "environment_fallback"),
				slog.String("error", err.Error()),
			)
			return decodeKey(m.cfg.EnvKey)
		}
		m.logger.Error("encryption key fetch failed",
			slog.String("event_type", "encryption_key_accessed"),
			slog.String("source", "secret_manager"),
			slog.Bool("success", false),
		)
		return nil, err
	}

	m.logger.Info("encryption key accessed",
		slog.String("event_type", "encryption_key_accessed"),
		slog.String("source", "secret_manager"),
		slog.Bool("success", true),
	)
	m.cached = key
	m.fetchedAt = time.Now()
	return key, nil
}

// ClearCache implements Provider.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
	m.fetchedAt = time.Time{}
}

func (m *Manager) fetchFromSecretManager(ctx context.Context) ([]byte, error) {
	if m.cfg.ProjectID == "" || m.cfg.SecretName == "" {
		return nil, fmt.Errorf("secret manager project and secret name are required")
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}
	defer func() { _ = client.Close() }()

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", m.cfg.ProjectID, m.cfg.SecretName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access secret version: %w", err)
	}

	var payload struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(result.Payload.Data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse secret payload: %w", err)
	}
	if payload.Key == "" {
		return nil, fmt.Errorf("secret payload is missing the key field")
	}
	return decodeKey(payload.Key)
}

func decodeKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", EncryptionKeySize, len(key))
	}
	return key, nil
}

// Static is a fixed-key Provider for tests and single-process development.
type Static struct {
	Key []byte
}

// EncryptionKey implements Provider.
func (s Static) EncryptionKey(context.Context) ([]byte, error) {
	if len(s.Key) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", EncryptionKeySize, len(s.Key))
	}
	return s.Key, nil
}

// ClearCache implements Provider.
func (s Static) ClearCache() {}
