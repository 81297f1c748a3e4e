package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		assert.Nil(t, l.file)
		assert.NoError(t, l.Close())
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "mudra.log")
		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		cl := l.Component("plugin-runtime")
		cl.Debug().Str("plugin", "hue").Msg("Plugin loaded")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"component":"plugin-runtime"`)
		assert.Contains(t, string(data), `"plugin":"hue"`)
	})

	t.Run("level filters", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "mudra.log")
		l, err := New(Config{Level: "warn", File: logFile})
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Info().Msg("hidden")
		zl.Warn().Msg("visible")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "hidden")
		assert.Contains(t, string(data), "visible")
	})

	t.Run("redaction", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "mudra.log")
		l, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)
		require.NotNil(t, l.redactor)

		zl := l.Zerolog()
		zl.Info().Str("token", "abcdefghijklmnopqrstuvwxyz").Msg("Companion connected")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "abcdefghijklmnopqrstuvwxyz")
		assert.Contains(t, string(data), redacted)
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		assert.Equal(t, "info", l.Zerolog().GetLevel().String())
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
}
