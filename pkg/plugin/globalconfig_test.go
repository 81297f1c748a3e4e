package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hueConfigSchema = `{
	"type": "object",
	"properties": {
		"bridgeIp": {"type": "string"},
		"brightness": {"type": "integer", "minimum": 0, "maximum": 100}
	},
	"required": ["bridgeIp"]
}`

func configRuntime(t *testing.T) (*Runtime, *instances, string) {
	t.Helper()
	root := t.TempDir()
	entry, inst := trackingBuiltin(t, func(p *fakePlugin) {
		p.configSchema = json.RawMessage(hueConfigSchema)
	})
	dir := writePlugin(t, root, "hue", settingsManifest("hue", entry))
	writeJSON(t, filepath.Join(dir, "settings.json"), map[string]any{"bridgeIp": "10.0.0.2", "brightness": 40})
	writePlugin(t, root, "docs", baseManifest("docs"))

	r := newTestRuntime(t, root)
	_, err := r.Initialize(context.Background())
	require.NoError(t, err)
	return r, inst, filepath.Join(dir, "settings.json")
}

func TestRuntime_GetGlobalConfig(t *testing.T) {
	r, _, _ := configRuntime(t)

	cfg, err := r.GetGlobalConfig(context.Background(), "hue")
	require.NoError(t, err)
	assert.JSONEq(t, `{"bridgeIp":"10.0.0.2","brightness":40}`, string(cfg))

	_, err = r.GetGlobalConfig(context.Background(), "docs")
	assert.ErrorIs(t, err, ErrNoGlobalSettings)

	_, err = r.GetGlobalConfig(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestRuntime_PatchGlobalConfig(t *testing.T) {
	r, inst, path := configRuntime(t)
	events := recordEvents(r)

	res := r.PatchGlobalConfig(context.Background(), "hue", json.RawMessage(`{"brightness":80,"room.name":"den"}`))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Configuration saved.", res.Message)
	assert.JSONEq(t, `{"bridgeIp":"10.0.0.2","brightness":80,"room.name":"den"}`, string(res.Config))

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, string(res.Config), string(onDisk))

	_, _, updates := inst.last().counts()
	assert.Equal(t, 1, updates)
	assert.JSONEq(t, string(res.Config), string(inst.last().lastUpdate()))
	assert.Eventually(t, func() bool { return events.count(EventConfigUpdated) == 1 }, time.Second, 10*time.Millisecond)

	// The watcher sees our own write but the content is unchanged.
	time.Sleep(200 * time.Millisecond)
	_, _, updates = inst.last().counts()
	assert.Equal(t, 1, updates)
	assert.Equal(t, 1, events.count(EventConfigUpdated))

	t.Run("identical patch does not notify", func(t *testing.T) {
		res := r.PatchGlobalConfig(context.Background(), "hue", json.RawMessage(`{"brightness":80}`))
		require.True(t, res.Success)
		_, _, updates := inst.last().counts()
		assert.Equal(t, 1, updates)
	})
}

func TestRuntime_PatchGlobalConfigInvalid(t *testing.T) {
	r, inst, path := configRuntime(t)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	res := r.PatchGlobalConfig(context.Background(), "hue", json.RawMessage(`{"brightness":250,"bridgeIp":null}`))
	assert.False(t, res.Success)
	assert.Equal(t, "Invalid configuration for plugin 'hue'.", res.Message)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "bridgeIp", res.Errors[0].Field)
	assert.Equal(t, "validation.invalid_type", res.Errors[0].MessageKey)
	assert.Equal(t, "brightness", res.Errors[1].Field)
	assert.Equal(t, "validation.number_lte", res.Errors[1].MessageKey)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, _, updates := inst.last().counts()
	assert.Zero(t, updates)

	cfg, err := r.GetGlobalConfig(context.Background(), "hue")
	require.NoError(t, err)
	assert.JSONEq(t, `{"bridgeIp":"10.0.0.2","brightness":40}`, string(cfg))
}

func TestRuntime_PatchGlobalConfigRejected(t *testing.T) {
	r, _, _ := configRuntime(t)
	ctx := context.Background()

	assert.Equal(t, "Plugin 'ghost' not found.", r.PatchGlobalConfig(ctx, "ghost", json.RawMessage(`{}`)).Message)
	assert.Equal(t, "Plugin 'docs' has no global settings.", r.PatchGlobalConfig(ctx, "docs", json.RawMessage(`{}`)).Message)
	for _, patch := range []string{`[1,2]`, `"text"`, `{broken`, ``} {
		res := r.PatchGlobalConfig(ctx, "hue", json.RawMessage(patch))
		assert.False(t, res.Success, patch)
		assert.Equal(t, "Config patch must be a JSON object.", res.Message)
	}
}

func TestRuntime_PatchGlobalConfigWithoutFile(t *testing.T) {
	root := t.TempDir()
	entry, _ := trackingBuiltin(t, nil)
	writePlugin(t, root, "obs", settingsManifest("obs", entry))

	r := newTestRuntime(t, root)
	_, err := r.Initialize(context.Background())
	require.NoError(t, err)

	res := r.PatchGlobalConfig(context.Background(), "obs", json.RawMessage(`{"host":"localhost"}`))
	require.True(t, res.Success, res.Message)
	assert.JSONEq(t, `{"host":"localhost"}`, string(res.Config))
	assert.FileExists(t, filepath.Join(root, "obs", "settings.json"))
}

func TestRuntime_HotReload(t *testing.T) {
	r, inst, path := configRuntime(t)
	events := recordEvents(r)
	plugin := inst.last()

	for i := 0; i < 5; i++ {
		writeJSON(t, path, map[string]any{"bridgeIp": "10.0.0.9", "brightness": i})
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		_, _, updates := plugin.counts()
		return updates >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	_, _, updates := plugin.counts()
	assert.Equal(t, 1, updates, "bursts collapse into one reload")
	assert.JSONEq(t, `{"bridgeIp":"10.0.0.9","brightness":4}`, string(plugin.lastUpdate()))

	cfg, err := r.GetGlobalConfig(context.Background(), "hue")
	require.NoError(t, err)
	assert.JSONEq(t, `{"bridgeIp":"10.0.0.9","brightness":4}`, string(cfg))

	assert.Eventually(t, func() bool { return events.count(EventConfigUpdated) == 1 }, time.Second, 10*time.Millisecond)
	payload := events.payloads(EventConfigUpdated)[0].(ConfigUpdatedPayload)
	assert.Equal(t, "hue", payload.PluginID)

	t.Run("invalid file keeps previous config", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`{"brightness":7}`), 0o644))
		time.Sleep(300 * time.Millisecond)

		_, _, updates := plugin.counts()
		assert.Equal(t, 1, updates)
		cfg, err := r.GetGlobalConfig(context.Background(), "hue")
		require.NoError(t, err)
		assert.JSONEq(t, `{"bridgeIp":"10.0.0.9","brightness":4}`, string(cfg))
	})

	t.Run("no reload after uninstall", func(t *testing.T) {
		require.True(t, r.Uninstall(context.Background(), "hue").Success)
		assert.False(t, r.watcher.Watching("hue"))
	})
}

func TestContext_GlobalConfigHelpers(t *testing.T) {
	r, _, _ := configRuntime(t)
	lp, ok := r.Registry().Get("hue")
	require.True(t, ok)
	pctx := r.loader.contextFor(lp)

	assert.Equal(t, "hue", pctx.PluginID())
	assert.Equal(t, lp.Dir, pctx.PluginDir())
	assert.Equal(t, "10.0.0.2", pctx.GlobalConfigValue(context.Background(), "bridgeIp").String())
	assert.False(t, pctx.GlobalConfigValue(context.Background(), "missing").Exists())

	type hueConfig struct {
		BridgeIP   string `json:"bridgeIp"`
		Brightness int    `json:"brightness"`
	}
	cfg, err := GlobalConfigAs[hueConfig](context.Background(), pctx)
	require.NoError(t, err)
	assert.Equal(t, hueConfig{BridgeIP: "10.0.0.2", Brightness: 40}, cfg)

	m := pctx.Manifest()
	m.Name = "changed"
	assert.Equal(t, "hue", lp.Manifest.Name)

	docs, ok := r.Registry().Get("docs")
	require.True(t, ok)
	_, err = GlobalConfigAs[hueConfig](context.Background(), r.loader.contextFor(docs))
	assert.ErrorIs(t, err, ErrNoGlobalSettings)

	_, err = pctx.ConnectCompanion(context.Background())
	assert.ErrorIs(t, err, ErrCompanionNotConfigured)
}
