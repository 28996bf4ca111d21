package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/driveline/mcp-gateway/internal/dispatch"
	"github.com/driveline/mcp-gateway/internal/google"
	"github.com/driveline/mcp-gateway/internal/instrumentation"
	"github.com/driveline/mcp-gateway/internal/logging"
	"github.com/driveline/mcp-gateway/internal/oauth"
	"github.com/driveline/mcp-gateway/internal/secrets"
	"github.com/driveline/mcp-gateway/internal/server"
	"github.com/driveline/mcp-gateway/internal/storage"
)

const (
	defaultHTTPAddr       = ":8080"
	defaultEnvironment    = "development"
	shutdownTimeout       = 30 * time.Second
	cleanupSweepInterval  = time.Hour
	httpReadHeaderTimeout = 10 * time.Second
	httpIdleTimeout       = 120 * time.Second
)

// serveConfig is everything the serve command needs, resolved from flags
// with environment fallbacks.
type serveConfig struct {
	HTTPAddr    string
	BaseURL     string
	Environment string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	StorageType string
	Valkey      storage.ValkeyConfig

	SecretProject string
	SecretName    string

	CookieDomain         string
	RedirectURIWhitelist []string

	MetricsEnabled   bool
	MetricsAddr      string
	MetricsAuthToken string
}

func newServeCmd() *cobra.Command {
	var (
		httpAddr             string
		baseURL              string
		environment          string
		googleClientID       string
		googleClientSecret   string
		googleRedirectURL    string
		storageType          string
		valkeyURL            string
		valkeyPassword       string
		valkeyTLS            bool
		valkeyTLSCAFile      string
		valkeyKeyPrefix      string
		valkeyDB             int
		secretProject        string
		secretName           string
		cookieDomain         string
		redirectURIWhitelist string
		metricsEnabled       bool
		metricsAddr          string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP gateway",
		Long: `Start the gateway: the OAuth 2.1 broker in front of Google plus the
MCP transports (SSE and Streamable HTTP).

Configuration:
  Every flag falls back to an environment variable. The Google client
  credentials (--google-client-id / --google-client-secret or the
  GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET env vars) are required.

  Sessions and tokens live in the configured storage backend:
    --storage-type memory   single process, development only
    --storage-type valkey   shared backend for horizontal scaling

  The token encryption key comes from Google Secret Manager
  (--secret-project / --secret-name) or, outside production, from the
  TOKEN_ENCRYPTION_KEY env var (64 hex characters).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := serveConfig{
				HTTPAddr:           stringOrEnv(httpAddr, "MCP_HTTP_ADDR", defaultHTTPAddr),
				BaseURL:            stringOrEnv(baseURL, "MCP_BASE_URL", ""),
				Environment:        stringOrEnv(environment, "DEPLOY_ENV", defaultEnvironment),
				GoogleClientID:     stringOrEnv(googleClientID, "GOOGLE_CLIENT_ID", ""),
				GoogleClientSecret: stringOrEnv(googleClientSecret, "GOOGLE_CLIENT_SECRET", ""),
				GoogleRedirectURL:  stringOrEnv(googleRedirectURL, "GOOGLE_REDIRECT_URL", ""),
				StorageType:        stringOrEnv(storageType, "STORAGE_TYPE", "memory"),
				Valkey: storage.ValkeyConfig{
					Address:    stringOrEnv(valkeyURL, "VALKEY_URL", ""),
					Password:   stringOrEnv(valkeyPassword, "VALKEY_PASSWORD", ""),
					TLSEnabled: valkeyTLS || boolEnv("VALKEY_TLS"),
					TLSCAFile:  stringOrEnv(valkeyTLSCAFile, "VALKEY_TLS_CA_FILE", ""),
					KeyPrefix:  stringOrEnv(valkeyKeyPrefix, "VALKEY_KEY_PREFIX", ""),
					DB:         intOrEnv(valkeyDB, "VALKEY_DB"),
				},
				SecretProject:        stringOrEnv(secretProject, "SECRET_PROJECT", ""),
				SecretName:           stringOrEnv(secretName, "SECRET_NAME", ""),
				CookieDomain:         stringOrEnv(cookieDomain, "COOKIE_DOMAIN", ""),
				RedirectURIWhitelist: splitWhitelist(stringOrEnv(redirectURIWhitelist, "REDIRECT_URI_WHITELIST", "")),
				MetricsEnabled:       metricsEnabled,
				MetricsAddr:          stringOrEnv(metricsAddr, "METRICS_ADDR", server.DefaultMetricsAddr),
				MetricsAuthToken:     os.Getenv("METRICS_AUTH_TOKEN"),
			}
			if cfg.GoogleRedirectURL == "" && cfg.BaseURL != "" {
				cfg.GoogleRedirectURL = strings.TrimRight(cfg.BaseURL, "/") + "/oauth2callback"
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "Listen address (default \":8080\", env MCP_HTTP_ADDR)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Externally visible origin, e.g. https://gateway.example.com (env MCP_BASE_URL)")
	cmd.Flags().StringVar(&environment, "environment", "", "Deployment environment: development, staging, production (env DEPLOY_ENV)")
	cmd.Flags().StringVar(&googleClientID, "google-client-id", "", "Google OAuth client ID (env GOOGLE_CLIENT_ID)")
	cmd.Flags().StringVar(&googleClientSecret, "google-client-secret", "", "Google OAuth client secret (env GOOGLE_CLIENT_SECRET)")
	cmd.Flags().StringVar(&googleRedirectURL, "google-redirect-url", "", "OAuth callback URL registered with Google (env GOOGLE_REDIRECT_URL)")
	cmd.Flags().StringVar(&storageType, "storage-type", "", "Storage backend: memory or valkey (env STORAGE_TYPE)")
	cmd.Flags().StringVar(&valkeyURL, "valkey-url", "", "Valkey address, host:port (env VALKEY_URL)")
	cmd.Flags().StringVar(&valkeyPassword, "valkey-password", "", "Valkey AUTH password (env VALKEY_PASSWORD)")
	cmd.Flags().BoolVar(&valkeyTLS, "valkey-tls", false, "Enable TLS for Valkey (env VALKEY_TLS)")
	cmd.Flags().StringVar(&valkeyTLSCAFile, "valkey-tls-ca-file", "", "CA bundle for Valkey TLS (env VALKEY_TLS_CA_FILE)")
	cmd.Flags().StringVar(&valkeyKeyPrefix, "valkey-key-prefix", "", "Prefix for all Valkey keys (env VALKEY_KEY_PREFIX)")
	cmd.Flags().IntVar(&valkeyDB, "valkey-db", 0, "Valkey database number (env VALKEY_DB)")
	cmd.Flags().StringVar(&secretProject, "secret-project", "", "GCP project holding the encryption key secret (env SECRET_PROJECT)")
	cmd.Flags().StringVar(&secretName, "secret-name", "", "Secret Manager secret name for the encryption key (env SECRET_NAME)")
	cmd.Flags().StringVar(&cookieDomain, "cookie-domain", "", "Domain attribute for the session cookie (env COOKIE_DOMAIN)")
	cmd.Flags().StringVar(&redirectURIWhitelist, "redirect-uri-whitelist", "", "Semicolon-separated allowed redirect URIs (env REDIRECT_URI_WHITELIST)")
	cmd.Flags().BoolVar(&metricsEnabled, "metrics-enabled", true, "Serve Prometheus metrics on a dedicated port")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address (default \":9090\", env METRICS_ADDR)")

	return cmd
}

func runServe(ctx context.Context, cfg serveConfig) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		return fmt.Errorf("google client credentials are required (GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET)")
	}
	if cfg.BaseURL == "" {
		if cfg.Environment == "production" {
			return fmt.Errorf("base URL is required in production (MCP_BASE_URL)")
		}
		cfg.BaseURL = "http://localhost" + normalizeAddr(cfg.HTTPAddr)
	}

	instr, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = instr.Shutdown(shutdownCtx)
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	keys := secrets.NewManager(secrets.Config{
		ProjectID:   cfg.SecretProject,
		SecretName:  cfg.SecretName,
		Environment: cfg.Environment,
		EnvKey:      os.Getenv("TOKEN_ENCRYPTION_KEY"),
	}, logger)
	encryptionKey, err := keys.EncryptionKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to load token encryption key: %w", err)
	}
	cipher, err := oauth.NewTokenEncryption(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize token encryption: %w", err)
	}

	audit := oauth.NewAuditLogger(logger)
	sessions := oauth.NewSessionStore(store, cipher, oauth.SessionStoreConfig{}, logger)
	flows := oauth.NewFlowStore(store, audit, logger)
	clients := oauth.NewClientStore(store, audit, oauth.ClientStoreConfig{Environment: cfg.Environment}, logger)
	tokens := oauth.NewTokenStore(store, audit, logger)
	limiter := oauth.NewRateLimiter(store, nil, audit, logger)

	provider := google.NewProvider(google.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})

	mcp := mcpserver.NewMCPServer("mcp-gateway", version,
		mcpserver.WithToolCapabilities(false),
	)
	dispatcher := dispatch.NewMCPDispatcher(mcp, logger)

	sse := server.NewSSEManager(server.SSEManagerConfig{BaseURL: cfg.BaseURL}, instr.Metrics(), logger)
	sse.StartHeartbeat()
	defer sse.Shutdown()

	handler := server.NewHandler(server.Config{
		BaseURL:              cfg.BaseURL,
		Environment:          cfg.Environment,
		CookieDomain:         cfg.CookieDomain,
		RedirectURIWhitelist: cfg.RedirectURIWhitelist,
	}, server.Deps{
		Store:      store,
		Sessions:   sessions,
		Flows:      flows,
		Clients:    clients,
		Tokens:     tokens,
		Limiter:    limiter,
		Provider:   provider,
		Dispatcher: dispatcher,
		SSE:        sse,
		Audit:      audit,
		Metrics:    instr.Metrics(),
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting gateway",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("base_url", cfg.BaseURL),
			slog.String("environment", cfg.Environment),
			slog.String("storage", cfg.StorageType),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsServer *server.MetricsServer
	if cfg.MetricsEnabled && instr.Enabled() {
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    cfg.MetricsAddr,
			AuthToken:               cfg.MetricsAuthToken,
			InstrumentationProvider: instr,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	go runCleanupSweeps(ctx, sessions, tokens, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	handler.Health().MarkShuttingDown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sse.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", logging.Err(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", logging.Err(err))
		}
	}
	logger.Info("gateway stopped")
	return nil
}

// openStore selects the storage backend.
func openStore(ctx context.Context, cfg serveConfig) (storage.Store, error) {
	switch cfg.StorageType {
	case "memory", "":
		if cfg.Environment == "production" {
			return nil, fmt.Errorf("the memory backend cannot serve production; configure valkey")
		}
		return storage.NewMemoryStore(), nil
	case "valkey":
		store, err := storage.NewValkeyStore(ctx, cfg.Valkey)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q (expected memory or valkey)", cfg.StorageType)
	}
}

// runCleanupSweeps periodically removes expired session and token records.
// TTLs already bound staleness on the valkey backend; the sweep keeps the
// keyspace tidy and covers records whose TTL was lost.
func runCleanupSweeps(ctx context.Context, sessions *oauth.SessionStore, tokens *oauth.TokenStore, logger *slog.Logger) {
	ticker := time.NewTicker(cleanupSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removedSessions, err := sessions.CleanupExpired(ctx)
			if err != nil {
				logger.Warn("session sweep failed", logging.Operation("cleanup.sessions"), logging.Err(err))
			}
			removedTokens, err := tokens.CleanupExpired(ctx)
			if err != nil {
				logger.Warn("token sweep failed", logging.Operation("cleanup.tokens"), logging.Err(err))
			}
			if removedSessions > 0 || removedTokens > 0 {
				logger.Info("expired records swept",
					logging.Operation("cleanup"),
					slog.Int("sessions", removedSessions),
					slog.Int("tokens", removedTokens),
				)
			}
		}
	}
}

// stringOrEnv prefers the flag value, then the environment, then the
// default.
func stringOrEnv(flagValue, envName, fallback string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envName); v != "" {
		return v
	}
	return fallback
}

func boolEnv(envName string) bool {
	v, err := strconv.ParseBool(os.Getenv(envName))
	return err == nil && v
}

func intOrEnv(flagValue int, envName string) int {
	if flagValue != 0 {
		return flagValue
	}
	v, err := strconv.Atoi(os.Getenv(envName))
	if err != nil {
		return 0
	}
	return v
}

// splitWhitelist parses the semicolon-separated redirect URI whitelist.
func splitWhitelist(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, uri := range strings.Split(raw, ";") {
		if uri = strings.TrimSpace(uri); uri != "" {
			out = append(out, uri)
		}
	}
	return out
}

// normalizeAddr turns a listen address into a host suffix for the
// development base URL.
func normalizeAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return addr
	}
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[i:]
	}
	return ""
}
