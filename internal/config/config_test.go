package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SPYGLASS_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Port)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.StreamReconnectDelay)
	assert.Equal(t, 5, cfg.StreamMaxReconnects)
	assert.False(t, cfg.ReportingEnabled())
	assert.True(t, filepath.IsAbs(cfg.DataDir))
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SPYGLASS_DATA_DIR", t.TempDir())
	t.Setenv("SPYGLASS_PORT", "9999")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("STREAM_RECONNECT_DELAY", "750ms")
	t.Setenv("STREAM_MAX_RECONNECTS", "2")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, 750*time.Millisecond, cfg.StreamReconnectDelay)
	assert.Equal(t, 2, cfg.StreamMaxReconnects)
	assert.Equal(t, int64(42), cfg.TelegramChatID)
}

func TestReportingEnabled(t *testing.T) {
	cfg := &Config{
		R2AccountID:       "acct",
		R2AccessKeyID:     "key",
		R2SecretAccessKey: "secret",
		R2Bucket:          "reports",
	}
	assert.True(t, cfg.ReportingEnabled())

	cfg.R2Bucket = ""
	assert.False(t, cfg.ReportingEnabled())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{Port: -1}
	assert.Error(t, cfg.Validate())
}
