package oauth

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/giantswarm/oauth-tokens/pkce"
	"github.com/giantswarm/oauth-tokens/redirect"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/token"
)

// Storage backends
const (
	StorageBackendMemory = "memory"
	StorageBackendRedis  = "redis"
)

// DefaultCleanupInterval is how often StartCleanup sweeps expired state.
const DefaultCleanupInterval = time.Minute

// Thresholds above which applySecureDefaults warns.
const (
	maxRecommendedAccessTTL  = time.Hour
	maxRecommendedRefreshTTL = 90 * 24 * time.Hour
)

// Config holds the token service configuration.
// Structured using composition for better organization and maintainability
type Config struct {
	// Token issuance settings
	Token TokenConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Storage backend settings
	Storage StorageConfig

	// CleanupInterval is how often StartCleanup removes expired state.
	// Default: 1 minute
	CleanupInterval time.Duration `env:"OAUTH_CLEANUP_INTERVAL" envDefault:"1m"`
}

// TokenConfig holds token issuance settings
type TokenConfig struct {
	// Secret is the token secret (required, at least 32 bytes). The access
	// token signing key and the storage encryption key are derived from it.
	Secret string `env:"OAUTH_TOKEN_SECRET"`

	// Issuer is written to and required in the iss claim (required).
	Issuer string `env:"OAUTH_ISSUER"`

	// Audience is written to and required in the aud claim (required).
	Audience string `env:"OAUTH_AUDIENCE"`

	// AccessTokenTTL is the default access token lifetime.
	// Default: 15 minutes
	AccessTokenTTL time.Duration `env:"OAUTH_ACCESS_TOKEN_TTL" envDefault:"15m"`

	// RefreshTokenTTL is how long refresh tokens remain valid.
	// Default: 30 days
	RefreshTokenTTL time.Duration `env:"OAUTH_REFRESH_TOKEN_TTL" envDefault:"720h"`

	// AttemptTTL is how long an authorization attempt stays redeemable.
	// Default: 10 minutes
	AttemptTTL time.Duration `env:"OAUTH_ATTEMPT_TTL" envDefault:"10m"`
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	// RedirectWhitelist lists the exact redirect URIs clients may use.
	RedirectWhitelist []string `env:"OAUTH_REDIRECT_WHITELIST" envSeparator:","`

	// Production restricts redirect URIs to https.
	// Outside production http is also accepted for localhost and 127.0.0.1.
	Production bool `env:"OAUTH_PRODUCTION"`

	// EncryptionKey is a base64 AES-256 key for stored records. When empty
	// the key is derived from the token secret.
	EncryptionKey string `env:"OAUTH_ENCRYPTION_KEY"`

	// EnableAuditLogging enables security audit logging.
	// Logs token operations and violations (sensitive data hashed).
	EnableAuditLogging bool `env:"OAUTH_AUDIT_LOGGING" envDefault:"true"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend string `env:"OAUTH_STORAGE_BACKEND" envDefault:"memory"`

	RedisAddr      string `env:"OAUTH_REDIS_ADDR"`
	RedisPassword  string `env:"OAUTH_REDIS_PASSWORD"`
	RedisDB        int    `env:"OAUTH_REDIS_DB"`
	RedisKeyPrefix string `env:"OAUTH_REDIS_KEY_PREFIX"`
}

// LoadConfig reads the configuration from the environment. The given .env
// files are loaded first; missing files are skipped and variables already
// set in the environment win.
func LoadConfig(envFiles ...string) (*Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// applySecureDefaults fills unset values and warns about weak settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.Token.AccessTokenTTL == 0 {
		config.Token.AccessTokenTTL = token.DefaultAccessTTL
	}
	if config.Token.RefreshTokenTTL == 0 {
		config.Token.RefreshTokenTTL = token.DefaultRefreshTTL
	}
	if config.Token.AttemptTTL == 0 {
		config.Token.AttemptTTL = pkce.DefaultAttemptTTL
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	if config.Storage.Backend == "" {
		config.Storage.Backend = StorageBackendMemory
	}

	if !config.Security.Production {
		logger.Warn("SECURITY NOTICE: Running outside production mode",
			"risk", "http redirect URIs accepted for loopback hosts",
			"recommendation", "Set OAUTH_PRODUCTION=true in deployed environments")
	}
	if config.Token.AccessTokenTTL > maxRecommendedAccessTTL {
		logger.Warn("SECURITY WARNING: Long access token lifetime",
			"value", config.Token.AccessTokenTTL,
			"maximum_recommended", maxRecommendedAccessTTL,
			"risk", "Revocation relies entirely on the registry for long-lived tokens")
	}
	if config.Token.RefreshTokenTTL > maxRecommendedRefreshTTL {
		logger.Warn("SECURITY WARNING: Long refresh token lifetime",
			"value", config.Token.RefreshTokenTTL,
			"maximum_recommended", maxRecommendedRefreshTTL)
	}
	if !config.Security.EnableAuditLogging {
		logger.Warn("SECURITY WARNING: Audit logging is DISABLED",
			"risk", "Refresh token reuse will not reach the audit trail")
	}

	return config
}

// Validate checks the configuration. It is called by NewService after
// defaults are applied.
func (c *Config) Validate() error {
	if len(c.Token.Secret) < security.MinSecretLength {
		return fmt.Errorf("token secret must be at least %d bytes", security.MinSecretLength)
	}
	if c.Token.Issuer == "" {
		return errors.New("issuer is required")
	}
	if c.Token.Audience == "" {
		return errors.New("audience is required")
	}
	if c.Token.AccessTokenTTL < 0 || c.Token.RefreshTokenTTL < 0 || c.Token.AttemptTTL < 0 {
		return errors.New("token lifetimes cannot be negative")
	}
	if c.CleanupInterval < 0 {
		return errors.New("cleanup interval cannot be negative")
	}

	if c.Security.EncryptionKey != "" {
		if _, err := security.KeyFromBase64(c.Security.EncryptionKey); err != nil {
			return fmt.Errorf("invalid encryption key: %w", err)
		}
	}
	if err := redirect.ValidateWhitelist(redirect.NewWhitelist(c.Security.RedirectWhitelist...), c.Security.Production); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case StorageBackendMemory:
	case StorageBackendRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("redis address is required for the redis storage backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	return nil
}
