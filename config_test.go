package oauth

import (
	"bytes"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-tokens/internal/testutil"
)

func validConfig() Config {
	return Config{
		Token: TokenConfig{
			Secret:   testutil.TestSecret,
			Issuer:   "https://auth.example.com",
			Audience: "https://api.example.com",
		},
		Security: SecurityConfig{
			RedirectWhitelist:  []string{"https://app.example/cb"},
			Production:         true,
			EnableAuditLogging: true,
		},
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("OAUTH_TOKEN_SECRET", testutil.TestSecret)
	t.Setenv("OAUTH_ISSUER", "https://auth.example.com")
	t.Setenv("OAUTH_AUDIENCE", "https://api.example.com")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Token.AccessTokenTTL != 15*time.Minute {
		t.Errorf("AccessTokenTTL = %v, want 15m", cfg.Token.AccessTokenTTL)
	}
	if cfg.Token.RefreshTokenTTL != 720*time.Hour {
		t.Errorf("RefreshTokenTTL = %v, want 720h", cfg.Token.RefreshTokenTTL)
	}
	if cfg.Token.AttemptTTL != 10*time.Minute {
		t.Errorf("AttemptTTL = %v, want 10m", cfg.Token.AttemptTTL)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("CleanupInterval = %v, want 1m", cfg.CleanupInterval)
	}
	if cfg.Storage.Backend != StorageBackendMemory {
		t.Errorf("Backend = %q, want memory", cfg.Storage.Backend)
	}
	if !cfg.Security.EnableAuditLogging {
		t.Error("audit logging should default to enabled")
	}
	if cfg.Security.Production {
		t.Error("production should default to false")
	}
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("OAUTH_TOKEN_SECRET", testutil.TestSecret)
	t.Setenv("OAUTH_ISSUER", "https://auth.example.com")
	t.Setenv("OAUTH_AUDIENCE", "https://api.example.com")
	t.Setenv("OAUTH_ACCESS_TOKEN_TTL", "5m")
	t.Setenv("OAUTH_REFRESH_TOKEN_TTL", "24h")
	t.Setenv("OAUTH_REDIRECT_WHITELIST", "https://a.example/cb,https://b.example/cb")
	t.Setenv("OAUTH_PRODUCTION", "true")
	t.Setenv("OAUTH_STORAGE_BACKEND", "redis")
	t.Setenv("OAUTH_REDIS_ADDR", "localhost:6379")
	t.Setenv("OAUTH_REDIS_DB", "2")
	t.Setenv("OAUTH_AUDIT_LOGGING", "false")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Token.AccessTokenTTL != 5*time.Minute || cfg.Token.RefreshTokenTTL != 24*time.Hour {
		t.Errorf("ttls = %v / %v", cfg.Token.AccessTokenTTL, cfg.Token.RefreshTokenTTL)
	}
	if got := cfg.Security.RedirectWhitelist; len(got) != 2 || got[1] != "https://b.example/cb" {
		t.Errorf("RedirectWhitelist = %v", got)
	}
	if !cfg.Security.Production || cfg.Security.EnableAuditLogging {
		t.Errorf("security = %+v", cfg.Security)
	}
	if cfg.Storage.Backend != StorageBackendRedis || cfg.Storage.RedisAddr != "localhost:6379" || cfg.Storage.RedisDB != 2 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	t.Setenv("OAUTH_ACCESS_TOKEN_TTL", "fifteen minutes")

	if _, err := LoadConfig(); err == nil {
		t.Error("LoadConfig() should fail on an unparsable duration")
	}
}

func TestLoadConfig_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "OAUTH_ISSUER=https://from-file.example.com\nOAUTH_AUDIENCE=https://api.example.com\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// godotenv sets variables with os.Setenv; register cleanup through t.Setenv.
	t.Setenv("OAUTH_ISSUER", "")
	t.Setenv("OAUTH_AUDIENCE", "")
	os.Unsetenv("OAUTH_ISSUER")
	os.Unsetenv("OAUTH_AUDIENCE")

	cfg, err := LoadConfig(filepath.Join(dir, "missing.env"), path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Token.Issuer != "https://from-file.example.com" {
		t.Errorf("Issuer = %q, want value from .env file", cfg.Token.Issuer)
	}
}

func TestLoadConfig_EnvironmentWinsOverDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("OAUTH_ISSUER=https://from-file.example.com\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("OAUTH_ISSUER", "https://from-env.example.com")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Token.Issuer != "https://from-env.example.com" {
		t.Errorf("Issuer = %q, environment should win", cfg.Token.Issuer)
	}
}

func TestApplySecureDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	cfg := applySecureDefaults(&Config{}, logger)

	if cfg.Token.AccessTokenTTL != 15*time.Minute {
		t.Errorf("AccessTokenTTL = %v", cfg.Token.AccessTokenTTL)
	}
	if cfg.Token.RefreshTokenTTL != 720*time.Hour {
		t.Errorf("RefreshTokenTTL = %v", cfg.Token.RefreshTokenTTL)
	}
	if cfg.Token.AttemptTTL != 10*time.Minute {
		t.Errorf("AttemptTTL = %v", cfg.Token.AttemptTTL)
	}
	if cfg.CleanupInterval != DefaultCleanupInterval {
		t.Errorf("CleanupInterval = %v", cfg.CleanupInterval)
	}
	if cfg.Storage.Backend != StorageBackendMemory {
		t.Errorf("Backend = %q", cfg.Storage.Backend)
	}

	logs := buf.String()
	for _, want := range []string{"production mode", "Audit logging is DISABLED"} {
		if !strings.Contains(logs, want) {
			t.Errorf("expected warning containing %q, got: %s", want, logs)
		}
	}
}

func TestApplySecureDefaults_WarnsOnLongLifetimes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	cfg := validConfig()
	cfg.Token.AccessTokenTTL = 24 * time.Hour
	cfg.Token.RefreshTokenTTL = 365 * 24 * time.Hour
	applySecureDefaults(&cfg, logger)

	logs := buf.String()
	if !strings.Contains(logs, "Long access token lifetime") || !strings.Contains(logs, "Long refresh token lifetime") {
		t.Errorf("missing lifetime warnings: %s", logs)
	}
	if strings.Contains(logs, "production mode") {
		t.Error("production config should not warn about production mode")
	}
}

func TestConfig_Validate(t *testing.T) {
	validKey := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "short secret", modify: func(c *Config) { c.Token.Secret = "short" }, wantErr: true},
		{name: "missing issuer", modify: func(c *Config) { c.Token.Issuer = "" }, wantErr: true},
		{name: "missing audience", modify: func(c *Config) { c.Token.Audience = "" }, wantErr: true},
		{name: "negative ttl", modify: func(c *Config) { c.Token.AccessTokenTTL = -time.Second }, wantErr: true},
		{name: "negative cleanup interval", modify: func(c *Config) { c.CleanupInterval = -time.Second }, wantErr: true},
		{name: "valid encryption key", modify: func(c *Config) { c.Security.EncryptionKey = validKey }},
		{name: "short encryption key", modify: func(c *Config) { c.Security.EncryptionKey = "c2hvcnQ=" }, wantErr: true},
		{name: "http redirect in production", modify: func(c *Config) {
			c.Security.RedirectWhitelist = []string{"http://localhost:8080/cb"}
		}, wantErr: true},
		{name: "http loopback redirect in development", modify: func(c *Config) {
			c.Security.Production = false
			c.Security.RedirectWhitelist = []string{"http://localhost:8080/cb"}
		}},
		{name: "relative redirect", modify: func(c *Config) { c.Security.RedirectWhitelist = []string{"/cb"} }, wantErr: true},
		{name: "unknown backend", modify: func(c *Config) { c.Storage.Backend = "etcd" }, wantErr: true},
		{name: "redis without address", modify: func(c *Config) { c.Storage.Backend = StorageBackendRedis }, wantErr: true},
		{name: "redis with address", modify: func(c *Config) {
			c.Storage.Backend = StorageBackendRedis
			c.Storage.RedisAddr = "localhost:6379"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			applySecureDefaults(&cfg, slog.New(slog.DiscardHandler))
			tt.modify(&cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
