package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var builtinSeq atomic.Int64

// registerBuiltin registers factory under a unique name for the duration of the test.
func registerBuiltin(t *testing.T, factory Factory) string {
	t.Helper()
	name := fmt.Sprintf("test-%d", builtinSeq.Add(1))
	Register(name, factory)
	t.Cleanup(func() { unregister(name) })
	return builtinPrefix + name
}

// writePlugin creates <root>/<dir>/plugin.json from manifest.
func writePlugin(t *testing.T, root, dir string, manifest map[string]any) string {
	t.Helper()
	pluginDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, ManifestFileName), data, 0o644))
	return pluginDir
}

func baseManifest(id string) map[string]any {
	return map[string]any{
		"id":           id,
		"name":         id,
		"version":      "1.0.0",
		"author":       "tester",
		"capabilities": map[string]any{"hasGlobalSettings": false},
	}
}

func settingsManifest(id, entry string) map[string]any {
	m := baseManifest(id)
	m["backendEntry"] = entry
	m["capabilities"] = map[string]any{"hasGlobalSettings": true}
	m["globalConfigFileName"] = "settings.json"
	return m
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func newTestRuntime(t *testing.T, root string, mutate ...func(*RuntimeConfig)) *Runtime {
	t.Helper()
	cfg := RuntimeConfig{
		PluginsDir:     root,
		HostVersion:    "1.4.0",
		ConfigDebounce: 50 * time.Millisecond,
		Fetcher:        &fakeFetcher{},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := NewRuntime(zerolog.Nop(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Destroy(context.Background()) })
	return r
}

type actionHandlerFunc func(ctx context.Context, settings json.RawMessage, details ActionDetails, cfg json.RawMessage, pctx *Context) (*ActionResult, error)

func (f actionHandlerFunc) Execute(ctx context.Context, settings json.RawMessage, details ActionDetails, cfg json.RawMessage, pctx *Context) (*ActionResult, error) {
	return f(ctx, settings, details, cfg, pctx)
}

// fakePlugin implements every optional capability.
type fakePlugin struct {
	BasePlugin

	mu            sync.Mutex
	initErr       error
	initCalls     int
	destroyCalls  int
	destroyPanic  bool
	configUpdates []json.RawMessage
	execute       actionHandlerFunc
	configSchema  json.RawMessage
	actionSchema  json.RawMessage
	router        http.Handler
}

func (p *fakePlugin) Initialize(ctx context.Context, pctx *Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initCalls++
	return p.initErr
}

func (p *fakePlugin) Destroy(ctx context.Context) error {
	p.mu.Lock()
	p.destroyCalls++
	shouldPanic := p.destroyPanic
	p.mu.Unlock()
	if shouldPanic {
		panic("destroy exploded")
	}
	return nil
}

func (p *fakePlugin) ActionHandler() ActionHandler {
	if p.execute == nil {
		return actionHandlerFunc(func(context.Context, json.RawMessage, ActionDetails, json.RawMessage, *Context) (*ActionResult, error) {
			return &ActionResult{Success: true, Message: "done"}, nil
		})
	}
	return p.execute
}

func (p *fakePlugin) GlobalConfigSchema() json.RawMessage { return p.configSchema }

func (p *fakePlugin) ActionSettingsSchema() json.RawMessage { return p.actionSchema }

func (p *fakePlugin) Router() http.Handler { return p.router }

func (p *fakePlugin) OnGlobalConfigUpdate(ctx context.Context, cfg json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configUpdates = append(p.configUpdates, cfg)
}

func (p *fakePlugin) TestConnection(ctx context.Context, settings json.RawMessage, pctx *Context) ConnectionTestResult {
	if string(settings) == `{"fail":true}` {
		return ConnectionTestResult{Success: false, Error: "unreachable"}
	}
	return ConnectionTestResult{Success: true, Message: "ok"}
}

func (p *fakePlugin) counts() (inits, destroys, updates int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initCalls, p.destroyCalls, len(p.configUpdates)
}

func (p *fakePlugin) lastUpdate() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.configUpdates) == 0 {
		return nil
	}
	return p.configUpdates[len(p.configUpdates)-1]
}

// barePlugin has no optional capabilities.
type barePlugin struct {
	BasePlugin
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	urls     []string
	manifest map[string]any
	err      error
}

func (f *fakeFetcher) Fetch(ctx context.Context, sourceURL, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.urls = append(f.urls, sourceURL)
	if f.err != nil {
		return f.err
	}
	if f.manifest != nil {
		data, err := json.Marshal(f.manifest)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dest, ManifestFileName), data, 0o644)
	}
	return nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingObserver struct {
	NopObserver
	mu         sync.Mutex
	dispatches []DispatchRecord
	ops        []string
}

func (o *recordingObserver) DispatchCompleted(rec DispatchRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatches = append(o.dispatches, rec)
}

func (o *recordingObserver) LifecycleOperation(op string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, fmt.Sprintf("%s:%t", op, ok))
}

func (o *recordingObserver) snapshot() ([]DispatchRecord, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]DispatchRecord(nil), o.dispatches...), append([]string(nil), o.ops...)
}
