package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/licenseforge/licenseforge/internal/licensing/license"
)

// Config holds the unified configuration for the licensing authority core.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	DatabaseURL string
	RedisURL    string

	// Token issues this string as the `iss` claim and CLI output defaults to it.
	TokenIssuer string

	// KeyPassphrase encrypts every LicensingKey's private half at rest.
	// Empty means the key store refuses to decrypt anything.
	KeyPassphrase string

	// Default knobs a Scope falls back to when it does not override them.
	DefaultTokenTTL                 time.Duration
	DefaultClockSkew                time.Duration
	DefaultGraceDays                int
	DefaultForceOnlineAfter         time.Duration
	DefaultKeyRotationDays          int
	DefaultInactivityAutoRevokeDays int
	DefaultOverLimitPolicy          string
	DefaultFingerprintUniqueness    string
	CompromiseBackdate              time.Duration
}

// LicenseDefaults builds the global-fallback license.Defaults every
// ResolvedPolicy lookup falls back to once a license's own overrides are
// exhausted.
func (c *Config) LicenseDefaults() license.Defaults {
	return license.Defaults{
		OverLimitPolicy:          license.OverLimitPolicy(c.DefaultOverLimitPolicy),
		GraceDays:                c.DefaultGraceDays,
		InactivityAutoRevokeDays: c.DefaultInactivityAutoRevokeDays,
		FingerprintUniqueness:    license.FingerprintUniqueness(c.DefaultFingerprintUniqueness),
		TokenTTLDays:             int(c.DefaultTokenTTL / (24 * time.Hour)),
		ForceOnlineAfterDays:     int(c.DefaultForceOnlineAfter / (24 * time.Hour)),
		ClockSkewSeconds:         int(c.DefaultClockSkew / time.Second),
	}
}

// Load loads configuration from environment variables, optionally preceded
// by a .env file in the working directory (silently ignored if absent).
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		DatabaseURL: getEnvOrBuild("DATABASE_URL", buildDatabaseURL),
		RedisURL:    getEnvOrBuild("REDIS_URL", buildRedisURL),

		TokenIssuer: getEnv("TOKEN_ISSUER", "licenseforge"),

		KeyPassphrase: getEnv("LICENSING_KEY_PASSPHRASE", ""),

		DefaultTokenTTL:                 getDuration("DEFAULT_TOKEN_TTL", 24*time.Hour),
		DefaultClockSkew:                getDuration("DEFAULT_CLOCK_SKEW", 60*time.Second),
		DefaultGraceDays:                getInt("DEFAULT_GRACE_DAYS", 14),
		DefaultForceOnlineAfter:         getDuration("DEFAULT_FORCE_ONLINE_AFTER", 30*24*time.Hour),
		DefaultKeyRotationDays:          getInt("DEFAULT_KEY_ROTATION_DAYS", 90),
		DefaultInactivityAutoRevokeDays: getInt("DEFAULT_INACTIVITY_AUTO_REVOKE_DAYS", 90),
		DefaultOverLimitPolicy:          getEnv("DEFAULT_OVER_LIMIT_POLICY", "reject"),
		DefaultFingerprintUniqueness:    getEnv("DEFAULT_FINGERPRINT_UNIQUENESS", "per-license"),
		CompromiseBackdate:              getDuration("COMPROMISE_BACKDATE", 24*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvOrBuild(key string, buildFn func() string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return buildFn()
}

func buildDatabaseURL() string {
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	name := getEnv("DB_NAME", "licenseforge")
	user := getEnv("DB_USER", "licenseforge")
	password := getEnv("DB_PASSWORD", "licenseforge")
	sslmode := getEnv("DB_SSLMODE", "disable")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, name, sslmode)
}

func buildRedisURL() string {
	host := getEnv("REDIS_HOST", "localhost")
	port := getEnv("REDIS_PORT", "6379")
	password := getEnv("REDIS_PASSWORD", "")
	db := getEnv("REDIS_DB", "0")

	if password != "" {
		return fmt.Sprintf("redis://:%s@%s:%s/%s", password, host, port, db)
	}
	return fmt.Sprintf("redis://%s:%s/%s", host, port, db)
}
