package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, "sqlite", cfg.Database.Driver)

	require.True(t, cfg.Auth.MFA.Enabled)
	require.Equal(t, "AuthGate", cfg.Auth.MFA.Issuer)
	require.Equal(t, 10*time.Minute, cfg.Auth.MFA.SMSCodeTTL)
	require.Equal(t, 2*time.Hour, cfg.Auth.Token.AccessTokenTTL)
	require.Equal(t, 10*time.Minute, cfg.Auth.Token.ConstrainedTokenTTL)
	require.Equal(t, 48, cfg.Auth.Token.Length)
	require.Equal(t, 5, cfg.Auth.Throttle.Threshold)
	require.Equal(t, 15*time.Minute, cfg.Auth.Throttle.Window)
	require.Equal(t, time.Hour, cfg.Auth.Recovery.TTL)

	require.Equal(t, "log", cfg.SMS.Provider)
	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)
	require.True(t, cfg.Maintenance.Enabled)
	require.Equal(t, "@hourly", cfg.Maintenance.TokenSchedule)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("AUTHGATE_SERVER_PORT", "9100")
	t.Setenv("AUTHGATE_AUTH_MFA_ENABLED", "false")
	t.Setenv("AUTHGATE_AUTH_THROTTLE_THRESHOLD", "3")
	t.Setenv("AUTHGATE_AUTH_TOKEN_ACCESS_TOKEN_TTL", "30m")
	t.Setenv("AUTHGATE_SMS_PROVIDER", "twilio")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 9100, cfg.Server.Port)
	require.False(t, cfg.Auth.MFA.Enabled)
	require.Equal(t, 3, cfg.Auth.Throttle.Threshold)
	require.Equal(t, 30*time.Minute, cfg.Auth.Token.AccessTokenTTL)
	require.Equal(t, "twilio", cfg.SMS.Provider)
}

func TestApplyRuntimeDefaultsGeneratesEncryptionKey(t *testing.T) {
	cfg := &Config{}

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.True(t, generated["auth.encryption_key"])
	require.NotEmpty(t, cfg.Auth.EncryptionKey)

	key, err := DecodeKey(cfg.Auth.EncryptionKey)
	require.NoError(t, err)
	require.Len(t, key, 32)

	// A configured key is left alone.
	again, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.Empty(t, again)
}
