package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execengine/internal/model"
)

func setLive(t *testing.T) {
	t.Setenv("ANGEL_API_KEY", "key")
	t.Setenv("ANGEL_CLIENT_CODE", "A123")
	t.Setenv("ANGEL_PASSWORD", "1234")
	t.Setenv("ANGEL_TOTP_SECRET", "JBSWY3DPEHPK3PXP")
}

func TestLoadDefaults(t *testing.T) {
	setLive(t)
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ModeLive, cfg.Mode)
	assert.Equal(t, 10.0, cfg.RateLimit)
	assert.Equal(t, 4, cfg.RetryAttempts)
	assert.Equal(t, 23*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, "0.05", Decimal(cfg.ReconcilePriceTolerance).String())
	assert.Equal(t, "data/execengine.db", cfg.SQLitePath)
	assert.Empty(t, cfg.SMSRecipients)
}

func TestEnvOverrides(t *testing.T) {
	setLive(t)
	t.Setenv("RATE_LIMIT", "3")
	t.Setenv("BREAKER_RESET", "1m")
	t.Setenv("SMS_GATEWAY_URL", "https://sms.example")
	t.Setenv("SMS_RECIPIENTS", "+911, +912 ,")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3.0, cfg.RateLimit)
	assert.Equal(t, time.Minute, cfg.BreakerReset)
	assert.Equal(t, []string{"+911", "+912"}, cfg.SMSRecipients)
}

func TestMissingCredentials(t *testing.T) {
	setLive(t)
	t.Setenv("ANGEL_PASSWORD", "")

	cfg, err := Load("")
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConfigMissing))
	assert.Contains(t, err.Error(), "ANGEL_PASSWORD")
}

func TestPaperModeNeedsNoCredentials(t *testing.T) {
	t.Setenv("MODE", "PAPER")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Paper())
	assert.NoError(t, cfg.Validate())
}

func TestConfigFileWithEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: paper\nrate_burst: 7\nmax_daily_loss: \"2500\"\n"), 0o600))
	t.Setenv("RATE_BURST", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Paper())
	assert.Equal(t, 9, cfg.RateBurst)
	assert.Equal(t, "2500", Decimal(cfg.MaxDailyLoss).String())
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("MODE", "paper")
	cases := map[string]string{
		"MODE":                  "sandbox",
		"RETRY_ATTEMPTS":        "0",
		"SESSION_SAFETY_MARGIN": "24h",
		"MAX_DAILY_LOSS":        "-1",
		"MAX_ORDER_NOTIONAL":    "lots",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			cfg, err := Load("")
			require.NoError(t, err)
			assert.True(t, errors.Is(cfg.Validate(), model.ErrConfigInvalid))
		})
	}
}
