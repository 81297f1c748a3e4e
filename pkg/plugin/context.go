package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Context is the host handle passed to a plugin's lifecycle and action calls.
type Context struct {
	plugin      *LoadedPlugin
	configStore ConfigStore
	companion   *CompanionDialer
	logger      zerolog.Logger
}

func newContext(lp *LoadedPlugin, store ConfigStore, companion *CompanionDialer, logger zerolog.Logger) *Context {
	return &Context{
		plugin:      lp,
		configStore: store,
		companion:   companion,
		logger:      logger.With().Str("plugin", lp.Manifest.ID).Logger(),
	}
}

// PluginID returns the ID of the plugin this context belongs to.
func (c *Context) PluginID() string {
	return c.plugin.Manifest.ID
}

// Manifest returns a copy of the plugin's manifest.
func (c *Context) Manifest() *Manifest {
	return c.plugin.Manifest.Clone()
}

// PluginDir returns the plugin's installation directory.
func (c *Context) PluginDir() string {
	return c.plugin.Dir
}

// Logger returns a logger scoped to the plugin.
func (c *Context) Logger() zerolog.Logger {
	return c.logger
}

// GlobalConfig returns the plugin's current global config. When nothing is
// cached yet the file is read from disk and the result cached. A plugin
// without global settings gets nil.
func (c *Context) GlobalConfig(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg := c.plugin.GlobalConfig(); cfg != nil {
		return cfg, nil
	}
	if c.plugin.ConfigPath == "" {
		return nil, nil
	}

	cfg, err := c.configStore.Read(c.plugin.ConfigPath, c.plugin.configSchema())
	if err != nil {
		return nil, err
	}
	c.plugin.setGlobalConfig(cfg)
	return cfg, nil
}

// GlobalConfigValue looks up a gjson path in the global config.
// The zero Result is returned when the config is unavailable.
func (c *Context) GlobalConfigValue(ctx context.Context, path string) gjson.Result {
	cfg, err := c.GlobalConfig(ctx)
	if err != nil || cfg == nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(cfg, path)
}

// ConnectCompanion dials the desktop companion over WebSocket.
func (c *Context) ConnectCompanion(ctx context.Context) (*CompanionConn, error) {
	if c.companion == nil {
		return nil, ErrCompanionNotConfigured
	}
	return c.companion.Connect(ctx)
}

// GlobalConfigAs decodes the plugin's global config into T.
func GlobalConfigAs[T any](ctx context.Context, pctx *Context) (T, error) {
	var out T
	cfg, err := pctx.GlobalConfig(ctx)
	if err != nil {
		return out, err
	}
	if cfg == nil {
		return out, fmt.Errorf("%w: %s", ErrNoGlobalSettings, pctx.PluginID())
	}
	if err := json.Unmarshal(cfg, &out); err != nil {
		return out, fmt.Errorf("failed to decode global config: %w", err)
	}
	return out, nil
}
