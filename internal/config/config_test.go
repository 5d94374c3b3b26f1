package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "triggerflow", cfg.Database.Name)
	assert.Equal(t, 30*time.Second, cfg.Engine.ActionTimeout)
	assert.Equal(t, 5, cfg.Engine.PollBatchSize)
	assert.Equal(t, time.Second, cfg.Engine.BatchDelay)
	assert.True(t, cfg.Engine.LoopsEnabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "/metrics", cfg.Monitoring.MetricsPath)
	assert.False(t, cfg.Monitoring.Tracing.Enabled)
	assert.NotNil(t, cfg.Webhooks.Secrets)
}

func TestLoadFromViper(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("server.port", 9090)
	viper.Set("log.level", "debug")
	viper.Set("webhooks.secrets", map[string]string{"slack": "sek"})

	cfg := Load()
	require.NotNil(t, cfg)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sek", cfg.Webhooks.Secrets["slack"])
}
