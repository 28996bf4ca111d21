package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/driveline/mcp-gateway/internal/oauth"
	"github.com/driveline/mcp-gateway/internal/secrets"
	"github.com/driveline/mcp-gateway/internal/storage"
)

// newCleanupCmd builds the one-shot maintenance command. The serve
// process runs the same sweep hourly; this command exists for cron jobs
// and for manual recovery after a backend restore, where TTLs may have
// been lost.
func newCleanupCmd() *cobra.Command {
	var (
		storageType     string
		valkeyURL       string
		valkeyPassword  string
		valkeyTLS       bool
		valkeyTLSCAFile string
		valkeyKeyPrefix string
		valkeyDB        int
		environment     string
		secretProject   string
		secretName      string
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired sessions and tokens from the storage backend",
		Long: `Scan the configured storage backend and delete session and token
records whose expiry has passed. Safe to run while the gateway is
serving traffic.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := serveConfig{
				Environment: stringOrEnv(environment, "DEPLOY_ENV", defaultEnvironment),
				StorageType: stringOrEnv(storageType, "STORAGE_TYPE", "memory"),
				Valkey: storage.ValkeyConfig{
					Address:    stringOrEnv(valkeyURL, "VALKEY_URL", ""),
					Password:   stringOrEnv(valkeyPassword, "VALKEY_PASSWORD", ""),
					TLSEnabled: valkeyTLS || boolEnv("VALKEY_TLS"),
					TLSCAFile:  stringOrEnv(valkeyTLSCAFile, "VALKEY_TLS_CA_FILE", ""),
					KeyPrefix:  stringOrEnv(valkeyKeyPrefix, "VALKEY_KEY_PREFIX", ""),
					DB:         intOrEnv(valkeyDB, "VALKEY_DB"),
				},
				SecretProject: stringOrEnv(secretProject, "SECRET_PROJECT", ""),
				SecretName:    stringOrEnv(secretName, "SECRET_NAME", ""),
			}
			return runCleanup(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&storageType, "storage-type", "", "Storage backend: memory or valkey (env STORAGE_TYPE)")
	cmd.Flags().StringVar(&valkeyURL, "valkey-url", "", "Valkey address, host:port (env VALKEY_URL)")
	cmd.Flags().StringVar(&valkeyPassword, "valkey-password", "", "Valkey AUTH password (env VALKEY_PASSWORD)")
	cmd.Flags().BoolVar(&valkeyTLS, "valkey-tls", false, "Enable TLS for Valkey (env VALKEY_TLS)")
	cmd.Flags().StringVar(&valkeyTLSCAFile, "valkey-tls-ca-file", "", "CA bundle for Valkey TLS (env VALKEY_TLS_CA_FILE)")
	cmd.Flags().StringVar(&valkeyKeyPrefix, "valkey-key-prefix", "", "Prefix for all Valkey keys (env VALKEY_KEY_PREFIX)")
	cmd.Flags().IntVar(&valkeyDB, "valkey-db", 0, "Valkey database number (env VALKEY_DB)")
	cmd.Flags().StringVar(&environment, "environment", "", "Deployment environment (env DEPLOY_ENV)")
	cmd.Flags().StringVar(&secretProject, "secret-project", "", "GCP project holding the encryption key secret (env SECRET_PROJECT)")
	cmd.Flags().StringVar(&secretName, "secret-name", "", "Secret Manager secret name for the encryption key (env SECRET_NAME)")

	return cmd
}

func runCleanup(ctx context.Context, cfg serveConfig) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

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
	tokens := oauth.NewTokenStore(store, audit, logger)

	removedSessions, err := sessions.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("session sweep failed: %w", err)
	}
	removedTokens, err := tokens.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("token sweep failed: %w", err)
	}

	fmt.Printf("Removed %d expired sessions and %d expired tokens\n", removedSessions, removedTokens)
	return nil
}
