package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"constellation/backend/internal/security"
)

// clearEnv unsets every key Load reads so host settings do not leak into tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"HTTP_ADDR", "GRPC_ADDR", "APP_NAME", "APP_ENV", "LOG_LEVEL", "DATABASE_URL",
		"SESSION_BACKEND", "REDIS_URL", "REDIS_KEY_PREFIX", "JWT_ALGORITHM", "ALGORITHM",
		"JWT_SECRET", "SECRET_KEY", "JWT_PRIVATE_KEY", "JWT_PUBLIC_KEY", "JWT_ISSUER",
		"JWT_ACCESS_TTL", "JWT_REFRESH_TTL", "BCRYPT_COST", "REFRESH_REUSE_REVOKES_ALL",
		"ADMIN_EMAIL", "ADMIN_POLICY_FILE", "CORS_ORIGINS", "LOGIN_RATE_PER_SECOND",
		"LOGIN_RATE_BURST", "SESSION_SWEEP_INTERVAL", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_EXPORTER_OTLP_INSECURE", "LOKI_URL", "KAFKA_BROKERS", "KAFKA_TOPIC",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8000" || cfg.GRPCAddr != ":9090" {
		t.Errorf("addrs = %q %q", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.AppName != "Constellation Auth Service" {
		t.Errorf("AppName = %q", cfg.AppName)
	}
	if cfg.SessionBackend != BackendPostgres {
		t.Errorf("SessionBackend = %q, want postgres", cfg.SessionBackend)
	}
	if cfg.JWTAlgorithm != "HS256" || cfg.JWTIssuer != "constellation-auth" {
		t.Errorf("jwt = %q %q", cfg.JWTAlgorithm, cfg.JWTIssuer)
	}
	if cfg.AccessTTL() != 15*time.Minute || cfg.RefreshTTL() != 168*time.Hour {
		t.Errorf("ttls = %v %v", cfg.AccessTTL(), cfg.RefreshTTL())
	}
	if cfg.BcryptCost != 12 {
		t.Errorf("BcryptCost = %d, want 12", cfg.BcryptCost)
	}
	if !cfg.RefreshReuseRevokesAll {
		t.Error("RefreshReuseRevokesAll should default to true")
	}
	if cfg.SweepInterval() != 10*time.Minute {
		t.Errorf("SweepInterval = %v", cfg.SweepInterval())
	}
	if got := cfg.CORSOriginList(); len(got) != 1 || got[0] != "http://localhost:5173" {
		t.Errorf("CORSOriginList = %v", got)
	}
	if cfg.LoginRatePerSecond != 1 || cfg.LoginRateBurst != 10 {
		t.Errorf("rate = %v/%d", cfg.LoginRatePerSecond, cfg.LoginRateBurst)
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("GRPC_ADDR", ":7777")
	t.Setenv("JWT_ISSUER", "custom-issuer")
	t.Setenv("BCRYPT_COST", "14")
	t.Setenv("SESSION_BACKEND", "Redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCAddr != ":7777" || cfg.JWTIssuer != "custom-issuer" || cfg.BcryptCost != 14 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.SessionBackend != BackendRedis {
		t.Errorf("SessionBackend = %q, want redis", cfg.SessionBackend)
	}
	if got := cfg.CORSOriginList(); len(got) != 2 || got[1] != "https://b.example" {
		t.Errorf("CORSOriginList = %v", got)
	}
}

func TestKafkaBrokerList(t *testing.T) {
	cfg := &Config{KafkaBrokers: "k1:9092, k2:9092"}
	if got := cfg.KafkaBrokerList(); len(got) != 2 || got[0] != "k1:9092" || got[1] != "k2:9092" {
		t.Errorf("KafkaBrokerList = %v", got)
	}
	if got := (&Config{}).KafkaBrokerList(); got != nil {
		t.Errorf("empty KafkaBrokerList = %v", got)
	}
}

func TestLoad_Aliases(t *testing.T) {
	clearEnv(t)
	t.Setenv("SECRET_KEY", "legacy-secret")
	t.Setenv("ALGORITHM", "hs512")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JWTSecret != "legacy-secret" {
		t.Errorf("JWTSecret = %q, want legacy-secret", cfg.JWTSecret)
	}
	if cfg.JWTAlgorithm != "HS512" {
		t.Errorf("JWTAlgorithm = %q, want HS512", cfg.JWTAlgorithm)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing secret":      {},
		"unknown backend":     {"JWT_SECRET": "s", "SESSION_BACKEND": "memcached"},
		"redis without url":   {"JWT_SECRET": "s", "SESSION_BACKEND": "redis"},
		"bcrypt too low":      {"JWT_SECRET": "s", "BCRYPT_COST": "3"},
		"bcrypt too high":     {"JWT_SECRET": "s", "BCRYPT_COST": "32"},
		"bad access ttl":      {"JWT_SECRET": "s", "JWT_ACCESS_TTL": "soon"},
		"zero refresh ttl":    {"JWT_SECRET": "s", "JWT_REFRESH_TTL": "0s"},
		"unknown algorithm":   {"JWT_SECRET": "s", "JWT_ALGORITHM": "none"},
		"rs256 without keys":  {"JWT_ALGORITHM": "RS256"},
		"bad sweep interval":  {"JWT_SECRET": "s", "SESSION_SWEEP_INTERVAL": "-1m"},
		"zero login burst":    {"JWT_SECRET": "s", "LOGIN_RATE_BURST": "0"},
		"negative login rate": {"JWT_SECRET": "s", "LOGIN_RATE_PER_SECOND": "-1"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("want error")
			}
			if !strings.HasPrefix(err.Error(), "config: ") {
				t.Errorf("error %q should start with config:", err)
			}
		})
	}
}

func TestConfig_SigningHMAC(t *testing.T) {
	cfg := &Config{JWTAlgorithm: "HS384", JWTSecret: "k", JWTIssuer: "iss", JWTAccessTTL: "5m"}
	sc, err := cfg.Signing()
	if err != nil {
		t.Fatalf("Signing: %v", err)
	}
	if sc.Algorithm != security.AlgHS384 || string(sc.Secret) != "k" || sc.AccessTTL != 5*time.Minute || sc.Issuer != "iss" {
		t.Errorf("signing config = %+v", sc)
	}
	if _, err := security.NewTokenProvider(sc); err != nil {
		t.Errorf("NewTokenProvider: %v", err)
	}
}

func TestConfig_SigningBadKeys(t *testing.T) {
	cfg := &Config{JWTAlgorithm: "RS256", JWTPrivateKey: "not a key", JWTPublicKey: "not a key either", JWTAccessTTL: "5m"}
	if _, err := cfg.Signing(); err == nil {
		t.Fatal("want error for an unparseable private key")
	}
}

func TestAccessTTL_Fallbacks(t *testing.T) {
	for _, v := range []string{"", "invalid", "0s", "-5m"} {
		cfg := &Config{JWTAccessTTL: v, JWTRefreshTTL: v}
		if got := cfg.AccessTTL(); got != 15*time.Minute {
			t.Errorf("AccessTTL(%q) = %v, want 15m", v, got)
		}
		if got := cfg.RefreshTTL(); got != 168*time.Hour {
			t.Errorf("RefreshTTL(%q) = %v, want 168h", v, got)
		}
	}
	cfg := &Config{JWTAccessTTL: "30m", JWTRefreshTTL: "24h", SessionSweepInterval: "0"}
	if cfg.AccessTTL() != 30*time.Minute || cfg.RefreshTTL() != 24*time.Hour {
		t.Errorf("ttls = %v %v", cfg.AccessTTL(), cfg.RefreshTTL())
	}
	if cfg.SweepInterval() != 0 {
		t.Errorf("SweepInterval = %v, want 0", cfg.SweepInterval())
	}
}

func TestDatabaseURL(t *testing.T) {
	clearEnv(t)
	if _, err := DatabaseURL(); err == nil {
		t.Fatal("want error when DATABASE_URL is unset")
	}
	t.Setenv("DATABASE_URL", "postgres://localhost/auth")
	dsn, err := DatabaseURL()
	if err != nil {
		t.Fatalf("DatabaseURL: %v", err)
	}
	if dsn != "postgres://localhost/auth" {
		t.Errorf("dsn = %q", dsn)
	}
}
