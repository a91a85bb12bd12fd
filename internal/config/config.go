// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"credential-core/backend/internal/security"
)

// Config holds application configuration loaded from the environment. It is built once at
// startup and passed to constructors; nothing reads the environment afterwards.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :4000).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// APIPrefix is the path the API is mounted under; it is also the refresh cookie path.
	APIPrefix string `mapstructure:"API_PREFIX"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL enables the auth rate limiter when set (e.g. redis://localhost:6379/0).
	RedisURL string `mapstructure:"REDIS_URL"`

	// Access and refresh tokens use separate key pairs. Each value is inline PEM (literal
	// \n allowed) or a path to a PEM file.
	JWTAccessPrivateKey  string `mapstructure:"JWT_ACCESS_PRIVATE_KEY"`
	JWTAccessPublicKey   string `mapstructure:"JWT_ACCESS_PUBLIC_KEY"`
	JWTRefreshPrivateKey string `mapstructure:"JWT_REFRESH_PRIVATE_KEY"`
	JWTRefreshPublicKey  string `mapstructure:"JWT_REFRESH_PUBLIC_KEY"`
	// JWTIssuer is the iss claim set on and required of every token.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAccessTTL is the access token lifetime as <n><s|m|h|d> (e.g. "900s").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "30d").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`

	Argon2MemoryKiB   int `mapstructure:"ARGON2_MEMORY_KIB"`
	Argon2Iterations  int `mapstructure:"ARGON2_ITERATIONS"`
	Argon2Parallelism int `mapstructure:"ARGON2_PARALLELISM"`
	// HashWorkers bounds concurrent Argon2 computations; 0 uses the CPU count.
	HashWorkers int `mapstructure:"HASH_WORKERS"`

	// SessionMaxActive is the live refresh-session cap per account.
	SessionMaxActive int `mapstructure:"SESSION_MAX_ACTIVE"`
	// SessionCandidateLimit bounds how many live sessions a refresh token is checked against.
	SessionCandidateLimit int `mapstructure:"SESSION_CANDIDATE_LIMIT"`
	// SessionRetention is how long the worker keeps expired and revoked sessions.
	SessionRetention time.Duration `mapstructure:"SESSION_RETENTION"`
	SweepInterval    time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepBatch       int           `mapstructure:"SWEEP_BATCH"`

	DBMaxOpenConns int `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns int `mapstructure:"DB_MAX_IDLE_CONNS"`

	// AllowedOrigins is a comma-separated list of cross-origin callers. When set, the
	// refresh cookie is SameSite=None.
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	CookieDomain   string `mapstructure:"COOKIE_DOMAIN"`

	// RateLimitAuth is the number of signup, login and refresh calls allowed per client
	// and route in each RateLimitWindow.
	RateLimitAuth   int           `mapstructure:"RATE_LIMIT_AUTH"`
	RateLimitWindow time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	// TrustedProxies is a comma-separated list of CIDRs or addresses whose X-Forwarded-For
	// and X-Real-IP headers are believed. Empty means forwarding headers are ignored.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// OTLPEndpoint enables OTLP export of traces, metrics and audit logs when set.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// AuditKafkaBrokers is a comma-separated broker list. When set, audit events are also
	// published to AuditKafkaTopic.
	AuditKafkaBrokers string `mapstructure:"AUDIT_KAFKA_BROKERS"`
	AuditKafkaTopic   string `mapstructure:"AUDIT_KAFKA_TOPIC"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":4000")
	v.SetDefault("API_PREFIX", "/api")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("JWT_ACCESS_PRIVATE_KEY", "")
	v.SetDefault("JWT_ACCESS_PUBLIC_KEY", "")
	v.SetDefault("JWT_REFRESH_PRIVATE_KEY", "")
	v.SetDefault("JWT_REFRESH_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "credential-core")
	v.SetDefault("JWT_ACCESS_TTL", "900s")
	v.SetDefault("JWT_REFRESH_TTL", "30d")
	v.SetDefault("ARGON2_MEMORY_KIB", 64*1024)
	v.SetDefault("ARGON2_ITERATIONS", 3)
	v.SetDefault("ARGON2_PARALLELISM", 2)
	v.SetDefault("HASH_WORKERS", 0)
	v.SetDefault("SESSION_MAX_ACTIVE", 10)
	v.SetDefault("SESSION_CANDIDATE_LIMIT", 20)
	v.SetDefault("SESSION_RETENTION", "168h")
	v.SetDefault("SWEEP_INTERVAL", "1h")
	v.SetDefault("SWEEP_BATCH", 1000)
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("COOKIE_DOMAIN", "")
	v.SetDefault("RATE_LIMIT_AUTH", 10)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("AUDIT_KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "credential-core.audit")
	v.SetDefault("APP_ENV", "development")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields that have no safe fallback.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if !security.ValidTTL(c.JWTAccessTTL) {
		return fmt.Errorf("config: JWT_ACCESS_TTL %q must look like 900s, 15m, 12h or 30d", c.JWTAccessTTL)
	}
	if !security.ValidTTL(c.JWTRefreshTTL) {
		return fmt.Errorf("config: JWT_REFRESH_TTL %q must look like 900s, 15m, 12h or 30d", c.JWTRefreshTTL)
	}
	if c.SessionMaxActive < 1 {
		return errors.New("config: SESSION_MAX_ACTIVE must be at least 1")
	}
	if c.SessionCandidateLimit < 1 || c.SessionCandidateLimit > 100 {
		return errors.New("config: SESSION_CANDIDATE_LIMIT must be between 1 and 100")
	}
	if c.SessionCandidateLimit < c.SessionMaxActive {
		return fmt.Errorf("config: SESSION_CANDIDATE_LIMIT (%d) must be at least SESSION_MAX_ACTIVE (%d)", c.SessionCandidateLimit, c.SessionMaxActive)
	}
	if c.Argon2MemoryKiB <= 0 || c.Argon2Iterations <= 0 || c.Argon2Parallelism <= 0 || c.Argon2Parallelism > 255 {
		return errors.New("config: ARGON2_MEMORY_KIB, ARGON2_ITERATIONS and ARGON2_PARALLELISM must be positive")
	}
	if c.HashWorkers < 0 {
		return errors.New("config: HASH_WORKERS must not be negative")
	}
	if c.SessionRetention < 0 || c.SweepInterval <= 0 || c.SweepBatch < 1 {
		return errors.New("config: SESSION_RETENTION, SWEEP_INTERVAL and SWEEP_BATCH must be positive")
	}
	if c.RateLimitAuth < 1 || c.RateLimitWindow <= 0 {
		return errors.New("config: RATE_LIMIT_AUTH and RATE_LIMIT_WINDOW must be positive")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// AccessTTL is the parsed access token lifetime.
func (c *Config) AccessTTL() time.Duration {
	return security.ParseTTL(c.JWTAccessTTL)
}

// RefreshTTL is the parsed refresh token lifetime.
func (c *Config) RefreshTTL() time.Duration {
	return security.ParseTTL(c.JWTRefreshTTL)
}

// Argon2Params returns the configured work factors with the default salt and key lengths.
func (c *Config) Argon2Params() security.Argon2Params {
	p := security.DefaultArgon2Params()
	p.MemoryKiB = uint32(c.Argon2MemoryKiB)
	p.Iterations = uint32(c.Argon2Iterations)
	p.Parallelism = uint8(c.Argon2Parallelism)
	return p
}

// AllowedOriginsList returns the origins from the comma-separated config.
func (c *Config) AllowedOriginsList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.AllowedOrigins)
}

// AuditKafkaBrokersList returns the brokers from the comma-separated config.
func (c *Config) AuditKafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.AuditKafkaBrokers)
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a single-host prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	if c == nil {
		return nil, nil
	}
	var out []netip.Prefix
	for _, v := range splitList(c.TrustedProxies) {
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("config: TRUSTED_PROXIES entry %q: %w", v, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("config: TRUSTED_PROXIES entry %q: %w", v, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// JWTKeysConfigured reports whether all four key settings are present.
func (c *Config) JWTKeysConfigured() bool {
	return c.JWTAccessPrivateKey != "" && c.JWTAccessPublicKey != "" &&
		c.JWTRefreshPrivateKey != "" && c.JWTRefreshPublicKey != ""
}
