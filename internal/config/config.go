// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"constellation/backend/internal/security"
)

// Session backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds application configuration loaded from the environment.
// It is read once at startup and not mutated afterwards.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8000).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC token service listens on (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// AppName is reported by the health endpoint and used as the OTel service name.
	AppName string `mapstructure:"APP_NAME"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zap level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// DatabaseURL is the Postgres DSN. Users and audit logs always live in Postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// SessionBackend selects the session store: "postgres" or "redis".
	SessionBackend string `mapstructure:"SESSION_BACKEND"`
	// RedisURL is the redis:// URL used when SessionBackend is "redis".
	RedisURL string `mapstructure:"REDIS_URL"`
	// RedisKeyPrefix namespaces every session key.
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	// JWTAlgorithm is one of HS256, HS384, HS512, RS256, ES256. ALGORITHM is accepted as an alias.
	JWTAlgorithm string `mapstructure:"JWT_ALGORITHM"`
	// JWTSecret is the HMAC key for HS* algorithms. SECRET_KEY is accepted as an alias.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; used with JWT_PUBLIC_KEY for RS256/ES256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// RefreshReuseRevokesAll invalidates every session of a user when a consumed refresh token is presented again.
	RefreshReuseRevokesAll bool `mapstructure:"REFRESH_REUSE_REVOKES_ALL"`

	// AdminEmail is the account allowed to use the admin endpoints under the default policy.
	AdminEmail string `mapstructure:"ADMIN_EMAIL"`
	// AdminPolicyFile optionally replaces the built-in admin Rego policy.
	AdminPolicyFile string `mapstructure:"ADMIN_POLICY_FILE"`
	// CORSOrigins is a comma-separated list of allowed browser origins.
	CORSOrigins string `mapstructure:"CORS_ORIGINS"`
	// LoginRatePerSecond and LoginRateBurst size the per-IP token bucket on /login and /token/refresh.
	LoginRatePerSecond float64 `mapstructure:"LOGIN_RATE_PER_SECOND"`
	LoginRateBurst     int     `mapstructure:"LOGIN_RATE_BURST"`
	// SessionSweepInterval is how often expired sessions are deleted (e.g. "10m"); "0" disables the in-process sweeper.
	SessionSweepInterval string `mapstructure:"SESSION_SWEEP_INTERVAL"`

	// OTelEndpoint is the OTLP gRPC collector address; empty disables export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTelInsecure disables TLS to the collector.
	OTelInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// LokiURL is the Loki base URL security events are also pushed to; empty disables it.
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaBrokers is a comma-separated broker list; with KafkaTopic set, security events are published to Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// KafkaTopic is the topic security events are written to.
	KafkaTopic string `mapstructure:"KAFKA_TOPIC"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := newViper()
	_ = v.BindEnv("JWT_ALGORITHM", "JWT_ALGORITHM", "ALGORITHM")
	_ = v.BindEnv("JWT_SECRET", "JWT_SECRET", "SECRET_KEY")

	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("APP_NAME", "Constellation Auth Service")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SESSION_BACKEND", BackendPostgres)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_KEY_PREFIX", "constellation")
	v.SetDefault("JWT_ALGORITHM", "HS256")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "constellation-auth")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("REFRESH_REUSE_REVOKES_ALL", true)
	v.SetDefault("ADMIN_EMAIL", "")
	v.SetDefault("ADMIN_POLICY_FILE", "")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("LOGIN_RATE_PER_SECOND", 1.0)
	v.SetDefault("LOGIN_RATE_BURST", 10)
	v.SetDefault("SESSION_SWEEP_INTERVAL", "10m")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "constellation-auth-events")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DatabaseURL reads only DATABASE_URL, for tools (migrate, seed) that need nothing else.
func DatabaseURL() (string, error) {
	dsn := strings.TrimSpace(newViper().GetString("DATABASE_URL"))
	if dsn == "" {
		return "", errors.New("config: DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	return dsn, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound
	v.AutomaticEnv()
	return v
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	c.SessionBackend = strings.ToLower(strings.TrimSpace(c.SessionBackend))
	switch c.SessionBackend {
	case BackendPostgres:
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("config: REDIS_URL must be set when SESSION_BACKEND=redis")
		}
	default:
		return fmt.Errorf("config: unknown SESSION_BACKEND %q", c.SessionBackend)
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	for key, val := range map[string]string{"JWT_ACCESS_TTL": c.JWTAccessTTL, "JWT_REFRESH_TTL": c.JWTRefreshTTL} {
		if d, err := time.ParseDuration(val); err != nil || d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration, got %q", key, val)
		}
	}
	if d, err := time.ParseDuration(c.SessionSweepInterval); err != nil || d < 0 {
		return fmt.Errorf("config: SESSION_SWEEP_INTERVAL must be a duration, got %q", c.SessionSweepInterval)
	}
	alg, err := security.ParseAlgorithm(c.JWTAlgorithm)
	if err != nil {
		return fmt.Errorf("config: JWT_ALGORITHM: %w", err)
	}
	c.JWTAlgorithm = string(alg)
	if alg.IsHMAC() {
		if c.JWTSecret == "" {
			return fmt.Errorf("config: JWT_SECRET must be set for %s", alg)
		}
	} else if c.JWTPrivateKey == "" || c.JWTPublicKey == "" {
		return fmt.Errorf("config: JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must be set for %s", alg)
	}
	if c.LoginRatePerSecond <= 0 || c.LoginRateBurst <= 0 {
		return errors.New("config: LOGIN_RATE_PER_SECOND and LOGIN_RATE_BURST must be positive")
	}
	return nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTAccessTTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTRefreshTTL)
	if err != nil || d <= 0 {
		return 168 * time.Hour
	}
	return d
}

// SweepInterval parses SessionSweepInterval. Zero means the in-process sweeper is disabled.
func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.SessionSweepInterval)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Signing builds the immutable token signing configuration. Key material is parsed here, once.
func (c *Config) Signing() (security.SigningConfig, error) {
	alg, err := security.ParseAlgorithm(c.JWTAlgorithm)
	if err != nil {
		return security.SigningConfig{}, err
	}
	sc := security.SigningConfig{Algorithm: alg, Issuer: c.JWTIssuer, AccessTTL: c.AccessTTL()}
	if alg.IsHMAC() {
		sc.Secret = []byte(c.JWTSecret)
		return sc, nil
	}
	signer, pub, err := security.ParseKeyPair(c.JWTPrivateKey, c.JWTPublicKey, string(alg))
	if err != nil {
		return security.SigningConfig{}, fmt.Errorf("config: signing keys: %w", err)
	}
	sc.PrivateKey = signer
	sc.PublicKey = pub
	return sc, nil
}

// CORSOriginList returns the allowed origins from the comma-separated config.
func (c *Config) CORSOriginList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSOrigins)
}

// KafkaBrokerList returns the Kafka brokers from the comma-separated config.
func (c *Config) KafkaBrokerList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
