package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything cmd/api needs to boot.
type Config struct {
	HTTP        HTTPConfig
	GRPCAddr    string
	DatabaseURL string
	RedisAddr   string
	Auth        AuthConfig
	Billing     BillingConfig
	RateLimit   RateLimitConfig
	Bootstrap   BootstrapConfig
	Version     string
	Commit      string
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type AuthConfig struct {
	TokenSecret  string
	Issuer       string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	SecureCookie bool
}

type BillingConfig struct {
	WebhookSecret string
}

// BootstrapConfig seeds an owner account into the in-memory backend.
type BootstrapConfig struct {
	Email    string
	Password string
}

type RateLimitConfig struct {
	SignInBurst     int
	SignInPerMinute int
}

// Load reads configuration from IDASH_* environment variables.
func Load() (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Addr:            getEnv("IDASH_HTTP_ADDR", ":8080"),
			ReadTimeout:     getEnvDuration("IDASH_HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("IDASH_HTTP_WRITE_TIMEOUT", 0),
			IdleTimeout:     getEnvDuration("IDASH_HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("IDASH_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  splitList(getEnv("IDASH_CORS_ALLOWED_ORIGINS", "")),
		},
		GRPCAddr:    getEnv("IDASH_GRPC_ADDR", ":9090"),
		DatabaseURL: getEnv("IDASH_PG_DSN", ""),
		RedisAddr:   getEnv("IDASH_REDIS_ADDR", ""),
		Auth: AuthConfig{
			TokenSecret:  getEnv("IDASH_AUTH_SECRET", ""),
			Issuer:       getEnv("IDASH_AUTH_ISSUER", "insightdash"),
			AccessTTL:    getEnvDuration("IDASH_AUTH_ACCESS_TTL", 15*time.Minute),
			RefreshTTL:   getEnvDuration("IDASH_AUTH_REFRESH_TTL", 14*24*time.Hour),
			SecureCookie: getEnvBool("IDASH_AUTH_SECURE_COOKIE", true),
		},
		Billing: BillingConfig{
			WebhookSecret: getEnv("IDASH_BILLING_WEBHOOK_SECRET", ""),
		},
		RateLimit: RateLimitConfig{
			SignInBurst:     getEnvInt("IDASH_SIGNIN_BURST", 5),
			SignInPerMinute: getEnvInt("IDASH_SIGNIN_PER_MINUTE", 10),
		},
		Bootstrap: BootstrapConfig{
			Email:    getEnv("IDASH_BOOTSTRAP_EMAIL", ""),
			Password: getEnv("IDASH_BOOTSTRAP_PASSWORD", ""),
		},
		Version: getEnv("IDASH_VERSION", "dev"),
		Commit:  getEnv("IDASH_COMMIT", "unknown"),
	}

	if cfg.HTTP.Addr == "" {
		return Config{}, fmt.Errorf("IDASH_HTTP_ADDR must not be empty")
	}
	if len(cfg.Auth.TokenSecret) < 32 {
		return Config{}, fmt.Errorf("IDASH_AUTH_SECRET must be at least 32 bytes")
	}
	if cfg.Auth.AccessTTL <= 0 {
		return Config{}, fmt.Errorf("IDASH_AUTH_ACCESS_TTL must be > 0")
	}
	if cfg.Auth.RefreshTTL <= cfg.Auth.AccessTTL {
		return Config{}, fmt.Errorf("IDASH_AUTH_REFRESH_TTL must exceed IDASH_AUTH_ACCESS_TTL")
	}
	if cfg.RateLimit.SignInBurst <= 0 || cfg.RateLimit.SignInPerMinute <= 0 {
		return Config{}, fmt.Errorf("IDASH_SIGNIN_BURST and IDASH_SIGNIN_PER_MINUTE must be > 0")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return fallback
	}
	return strings.TrimSpace(val)
}

func getEnvInt(key string, fallback int) int {
	val := getEnv(key, "")
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	val := getEnv(key, "")
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

// getEnvDuration accepts Go durations ("15m") or bare seconds ("900").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := getEnv(key, "")
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
