// Command licensectl is the operator-facing CLI surface of the licensing
// authority: root/signing key lifecycle management and direct offline
// token issuance. Every subcommand is a thin wrapper over the same
// library operations a long-running service would call.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/licenseforge/licenseforge/internal/config"
	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/bundle"
	"github.com/licenseforge/licenseforge/internal/licensing/ca"
	"github.com/licenseforge/licenseforge/internal/licensing/cryptoutil"
	"github.com/licenseforge/licenseforge/internal/licensing/keycodec"
	"github.com/licenseforge/licenseforge/internal/licensing/keystore"
	"github.com/licenseforge/licenseforge/internal/licensing/license"
	"github.com/licenseforge/licenseforge/internal/licensing/scope"
	"github.com/licenseforge/licenseforge/internal/licensing/token"
	"github.com/licenseforge/licenseforge/internal/licensing/usage"
	"github.com/licenseforge/licenseforge/pkg/cache"
	"github.com/licenseforge/licenseforge/pkg/database"
	"github.com/licenseforge/licenseforge/pkg/logger"
)

// Version is set during build.
var Version = "dev"

// exitError carries the specific process exit code a subcommand wants,
// distinct from cobra's default of 1 for every error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error {
	return &exitError{code: code, err: err}
}

// app wires every component the CLI subcommands need.
type app struct {
	cfg        *config.Config
	pool       *pgxpool.Pool
	redis      *redis.Client
	passphrase *cryptoutil.PassphraseCache
	keys       *keystore.Store
	authority  *ca.Authority
	scopes     *scope.Manager
	licenses   *license.Service
	usages     *usage.Registrar
	tokens     *token.Service
	auditLog   *audit.Log
	bundler    *bundle.Exporter
	codec      *keycodec.Codec
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	pool, err := database.NewPool(ctx, &database.Config{URL: cfg.DatabaseURL})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	var c cache.Cache = &cache.NoOpCache{}
	var redisClient *redis.Client
	if rc, err := database.NewRedisClient(ctx, &database.RedisConfig{URL: cfg.RedisURL}); err == nil {
		redisClient = rc
		c = cache.NewRedisCache(rc)
	}

	passphrase := cryptoutil.NewPassphraseCache()
	if cfg.KeyPassphrase != "" {
		passphrase.Set(cfg.KeyPassphrase)
	}

	auditRepo := audit.NewPostgresRepository(pool)
	auditLog := audit.New(auditRepo, true)

	keyRepo := keystore.NewPostgresRepository(pool)
	keys := keystore.New(keyRepo, passphrase, "lic", auditLog)

	authority := ca.New(keys, passphrase)

	scopeRepo := scope.NewPostgresRepository(pool)
	scopes := scope.New(scopeRepo, keys, authority, auditLog)

	licenseRepo := license.NewPostgresRepository(pool)
	licenses := license.New(licenseRepo, auditLog, logger.Default())

	usageStore := usage.NewPostgresStore(pool)
	usages := usage.New(usageStore, auditLog, logger.Default())

	tokens := token.New(keys, authority, cfg.TokenIssuer)

	bundler := bundle.New(keys, c)

	codec := keycodec.New("LIC", []byte(cfg.KeyPassphrase))

	return &app{
		cfg:        cfg,
		pool:       pool,
		redis:      redisClient,
		passphrase: passphrase,
		keys:       keys,
		authority:  authority,
		scopes:     scopes,
		licenses:   licenses,
		usages:     usages,
		tokens:     tokens,
		auditLog:   auditLog,
		bundler:    bundler,
		codec:      codec,
	}, nil
}

func (a *app) close() {
	database.Close(a.pool)
	database.CloseRedis(a.redis)
}

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	logger.SetDefault(log)

	var a *app

	rootCmd := &cobra.Command{
		Use:           "licensectl",
		Short:         "Licensing authority key and token operator CLI",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			built, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return fail(3, err)
			}
			a = built
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.FromContext(cmd.Context()).Info("invocation complete", "command", cmd.Name())
			if a != nil {
				a.close()
			}
		},
	}
	rootCmd.SetContext(logger.WithInvocationID(context.Background(), uuid.Must(uuid.NewV7()).String()))

	rootCmd.AddCommand(
		newKeysMakeRootCmd(&a),
		newKeysIssueSigningCmd(&a),
		newKeysRotateCmd(&a),
		newKeysRevokeCmd(&a),
		newKeysListCmd(&a),
		newKeysExportCmd(&a),
		newOfflineIssueCmd(&a),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func parseDays(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	if len(s) < 2 || s[len(s)-1] != 'd' {
		return 0, fmt.Errorf("bad duration %q, want form <N>d", s)
	}
	var n int
	if _, err := fmt.Sscanf(s[:len(s)-1], "%d", &n); err != nil {
		return 0, fmt.Errorf("bad duration %q: %w", s, err)
	}
	return n, nil
}

func parseTimeFlag(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q, want RFC3339: %w", s, err)
	}
	return &t, nil
}
