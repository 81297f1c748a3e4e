package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 7420, cfg.Gateway.Port)
	assert.Equal(t, 300*time.Millisecond, cfg.Runtime.ConfigDebounce())
	assert.Equal(t, 5*time.Second, cfg.Runtime.ExecTimeout())
	assert.Equal(t, 2*time.Minute, cfg.Runtime.InstallTimeout())
	assert.True(t, cfg.History.Enabled)
	assert.True(t, cfg.Metrics.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(cfg.String()), &decoded))
	assert.Contains(t, decoded, "gateway")
	assert.Contains(t, decoded, "runtime")
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.Port = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway")
}
