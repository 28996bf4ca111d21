package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/driveline/mcp-gateway/internal/storage"
)

// ClientStoreConfig tunes dynamic client registration policy.
type ClientStoreConfig struct {
	// Environment gates the https requirement for redirect URIs
	// ("production" enforces it, loopback excepted).
	Environment string

	// MaxClientsPerIP caps registrations per source IP per day. Zero
	// selects the default.
	MaxClientsPerIP int
}

// ClientStore is the RFC 7591 dynamic client registry.
type ClientStore struct {
	store  storage.Store
	audit  *AuditLogger
	logger *slog.Logger
	cfg    ClientStoreConfig

	clientTTL time.Duration
	now       func() time.Time
}

// NewClientStore creates a client registry on the shared KV.
func NewClientStore(store storage.Store, audit *AuditLogger, cfg ClientStoreConfig, logger *slog.Logger) *ClientStore {
	if cfg.MaxClientsPerIP <= 0 {
		cfg.MaxClientsPerIP = DefaultMaxClientsPerIP
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientStore{
		store:     store,
		audit:     audit,
		logger:    logger,
		cfg:       cfg,
		clientTTL: DefaultClientTTL,
		now:       time.Now,
	}
}

// RegisterClientRequest is the RFC 7591 registration request body.
type RegisterClientRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// Register creates a new client registration. The returned secret is the
// only plaintext copy; only its bcrypt hash is stored. Public clients
// (auth method "none", the default) receive no secret.
func (c *ClientStore) Register(ctx context.Context, req *RegisterClientRequest, ip string) (*RegisteredClient, string, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, "", ErrInvalidRequest("redirect_uris is required and must not be empty")
	}
	for _, uri := range req.RedirectURIs {
		if err := c.validateRedirectURISyntax(uri); err != nil {
			return nil, "", err
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = DefaultTokenEndpointAuthMethod
	}
	if !contains(SupportedTokenAuthMethods, authMethod) {
		return nil, "", ErrInvalidRequest(fmt.Sprintf("unsupported token_endpoint_auth_method %q", authMethod))
	}

	if ip != "" {
		if err := c.checkIPLimit(ctx, ip); err != nil {
			return nil, "", err
		}
	}

	clientID, err := generateClientID()
	if err != nil {
		return nil, "", err
	}

	var secret string
	var secretHash string
	if authMethod != "none" {
		secret, err = generateClientSecret()
		if err != nil {
			return nil, "", err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		secretHash = string(hash)
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = append([]string(nil), DefaultGrantTypes...)
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = append([]string(nil), DefaultResponseTypes...)
	}

	client := &RegisteredClient{
		ClientID:                clientID,
		ClientSecretHash:        secretHash,
		ClientName:              req.ClientName,
		RedirectURIs:            append([]string(nil), req.RedirectURIs...),
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		CreatedAt:               c.now(),
		RegistrationIP:          ip,
	}

	payload, err := json.Marshal(client)
	if err != nil {
		return nil, "", fmt.Errorf("failed to serialize client: %w", err)
	}
	if err := c.store.Set(ctx, ClientKeyPrefix+clientID, string(payload), c.clientTTL); err != nil {
		return nil, "", fmt.Errorf("failed to store client: %w", err)
	}

	c.audit.LogClientRegistered(clientID, ip, authMethod != "none")
	return client, secret, nil
}

// Get returns a registered client, or (nil, nil) if unknown or expired.
func (c *ClientStore) Get(ctx context.Context, clientID string) (*RegisteredClient, error) {
	payload, err := c.store.Get(ctx, ClientKeyPrefix+clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read client: %w", err)
	}

	var client RegisteredClient
	if err := json.Unmarshal([]byte(payload), &client); err != nil {
		return nil, fmt.Errorf("failed to parse client record: %w", err)
	}
	return &client, nil
}

// Delete removes a client registration. Returns true if it existed.
func (c *ClientStore) Delete(ctx context.Context, clientID, ip string) (bool, error) {
	ok, err := c.store.Delete(ctx, ClientKeyPrefix+clientID)
	if err != nil {
		return false, fmt.Errorf("failed to delete client: %w", err)
	}
	if ok {
		c.audit.LogClientDeleted(clientID, ip)
	}
	return ok, nil
}

// ValidateRedirectURI reports whether uri exactly matches one of the
// client's registered redirect URIs. Unknown clients fail.
func (c *ClientStore) ValidateRedirectURI(ctx context.Context, clientID, uri string) (bool, error) {
	client, err := c.Get(ctx, clientID)
	if err != nil {
		return false, err
	}
	if client == nil {
		return false, nil
	}
	return contains(client.RedirectURIs, uri), nil
}

// ValidateSecret checks a confidential client's secret against the stored
// bcrypt hash.
func (c *ClientStore) ValidateSecret(ctx context.Context, clientID, secret string) error {
	client, err := c.Get(ctx, clientID)
	if err != nil {
		return err
	}
	if client == nil || client.ClientSecretHash == "" {
		return ErrInvalidClient("unknown client or no secret registered")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		return ErrInvalidClient("client authentication failed")
	}
	return nil
}

func (c *ClientStore) checkIPLimit(ctx context.Context, ip string) error {
	hits, _, err := c.store.IncrWindow(ctx, "oauth:client_reg:"+ip, 24*time.Hour, false)
	if err != nil {
		return fmt.Errorf("failed to check registration limit: %w", err)
	}
	if hits > int64(c.cfg.MaxClientsPerIP) {
		return ErrRegistrationLimit
	}
	return nil
}

// validateRedirectURISyntax rejects dangerous schemes outright and, in
// production, requires https for non-loopback hosts (RFC 8252 permits http
// on loopback for native clients).
func (c *ClientStore) validateRedirectURISyntax(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" {
		return ErrInvalidRequest(fmt.Sprintf("redirect URI %q is not a valid absolute URI", uri))
	}

	scheme := strings.ToLower(parsed.Scheme)
	if contains(DangerousSchemes, scheme) {
		return ErrInvalidRequest(fmt.Sprintf("redirect URI scheme %q is not allowed", scheme))
	}

	if c.cfg.Environment == "production" && scheme == "http" && !isLoopbackHost(parsed.Hostname()) {
		return ErrInvalidRequest("http redirect URIs are only allowed for loopback addresses in production")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	return contains(LoopbackAddresses, strings.ToLower(host))
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// generateClientID mints a client identifier of the form mcp_<32 hex>.
func generateClientID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate client id: %w", err)
	}
	return ClientIDPrefix + hex.EncodeToString(b), nil
}

// generateClientSecret mints a secret for confidential clients.
func generateClientSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
