package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, FanoutDriverRedis, cfg.FanoutDriver)
	require.Equal(t, 5*time.Second, cfg.TypingTTL)
	require.Equal(t, 30*time.Second, cfg.PresenceNodeTTL)
	require.Equal(t, 4000, cfg.MaxMessageLength)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, "chat", cfg.ChannelBase)
	require.Equal(t, 120, cfg.WriteRateLimit)
	require.Equal(t, "*", cfg.CORSAllowOrigins)
	require.Equal(t, 25, cfg.DatabaseMaxOpenConns)
	require.Equal(t, 30*time.Minute, cfg.DatabaseConnLifetime)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsNATSWithoutURL(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "secret")
	t.Setenv("CHAT_FANOUT_DRIVER", "nats")
	t.Setenv("CHAT_NATS_URL", "")

	_, err := Load()
	require.ErrorContains(t, err, "nats url")
}

func TestLoadParsesTypingTTL(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "secret")
	t.Setenv("CHAT_TYPING_TTL", "3s")
	t.Setenv("CHAT_APP_PORT", ":9090")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, cfg.TypingTTL)
	require.Equal(t, ":9090", cfg.HTTPAddress())
}
