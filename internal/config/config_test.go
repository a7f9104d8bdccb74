package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("IDASH_AUTH_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 14*24*time.Hour, cfg.Auth.RefreshTTL)
	assert.True(t, cfg.Auth.SecureCookie)
	assert.Equal(t, "insightdash", cfg.Auth.Issuer)
	assert.Empty(t, cfg.RedisAddr)
	assert.Nil(t, cfg.HTTP.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("IDASH_AUTH_SECRET", testSecret)
	t.Setenv("IDASH_HTTP_ADDR", ":9999")
	t.Setenv("IDASH_AUTH_ACCESS_TTL", "120")
	t.Setenv("IDASH_AUTH_REFRESH_TTL", "2h")
	t.Setenv("IDASH_AUTH_SECURE_COOKIE", "false")
	t.Setenv("IDASH_CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("IDASH_REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 2*time.Hour, cfg.Auth.RefreshTTL)
	assert.False(t, cfg.Auth.SecureCookie)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestLoadRejectsShortSecret(t *testing.T) {
	t.Setenv("IDASH_AUTH_SECRET", "short")
	_, err := Load()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "IDASH_AUTH_SECRET"))
}

func TestLoadRejectsRefreshShorterThanAccess(t *testing.T) {
	t.Setenv("IDASH_AUTH_SECRET", testSecret)
	t.Setenv("IDASH_AUTH_ACCESS_TTL", "1h")
	t.Setenv("IDASH_AUTH_REFRESH_TTL", "30m")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadFallsBackOnMalformedValues(t *testing.T) {
	t.Setenv("IDASH_AUTH_SECRET", testSecret)
	t.Setenv("IDASH_SIGNIN_BURST", "lots")
	t.Setenv("IDASH_HTTP_READ_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RateLimit.SignInBurst)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ReadTimeout)
}
