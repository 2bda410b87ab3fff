package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.MatchTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.False(t, cfg.IsProduction())
	assert.Nil(t, cfg.ICEServers())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("MATCH_TIMEOUT", "3s")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("STUN_URLS", "stun:a.example:3478,stun:b.example:3478")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 3*time.Second, cfg.MatchTimeout)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr())
	assert.Equal(t, 2, cfg.Redis.DB)

	servers := cfg.ICEServers()
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, servers[0].URLs)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	t.Setenv("MATCH_TIMEOUT", "0s")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("MATCH_TIMEOUT", "soon")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("MATCH_TIMEOUT", "1s")
	t.Setenv("LOG_LEVEL", "chatty")
	_, err = Load()
	assert.Error(t, err)
}

func TestNewLogger_Level(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, NewLogger("debug", true).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger("", false).GetLevel())
}

func TestLoad_ErrorsNameTheSetting(t *testing.T) {
	t.Setenv("LOG_LEVEL", "chatty")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL: ")

	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("REDIS_DB", "zero")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env: ")
}
