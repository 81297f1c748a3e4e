package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// RuntimeConfig configures a Runtime
type RuntimeConfig struct {
	PluginsDir     string
	HostVersion    string // checked against manifest hostVersion constraints
	ConfigDebounce time.Duration
	ExecTimeout    time.Duration
	CompanionURL   string
	Fetcher        Fetcher
	ConfigStore    ConfigStore
	Observers      []Observer
}

// Runtime owns the plugin set: discovery, loading, lifecycle operations,
// config hot reload and action dispatch.
type Runtime struct {
	logger      zerolog.Logger
	config      RuntimeConfig
	store       *ManifestStore
	registry    *PluginRegistry
	configStore ConfigStore
	watcher     *ConfigWatcher
	loader      *PluginLoader
	events      *EventEmitter
	fetcher     Fetcher
	observer    observers

	// opMu serializes discovery, install, uninstall, setState, destroy and reloads.
	opMu     sync.Mutex
	disabled DisabledSet
}

// NewRuntime creates a new plugin runtime. Call Initialize to load plugins.
func NewRuntime(logger zerolog.Logger, config RuntimeConfig) (*Runtime, error) {
	if config.PluginsDir == "" {
		return nil, errors.New("plugins directory is required")
	}

	var host *semver.Version
	if config.HostVersion != "" {
		v, err := semver.NewVersion(config.HostVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid host version %q: %w", config.HostVersion, err)
		}
		host = v
	}

	r := &Runtime{
		logger:      logger.With().Str("component", "plugin-runtime").Logger(),
		config:      config,
		store:       NewManifestStore(config.PluginsDir, logger),
		registry:    NewPluginRegistry(),
		configStore: config.ConfigStore,
		events:      NewEventEmitter(),
		fetcher:     config.Fetcher,
		observer:    observers(config.Observers),
		disabled:    NewDisabledSet(),
	}
	if r.configStore == nil {
		r.configStore = NewFileConfigStore(logger)
	}
	if r.fetcher == nil {
		r.fetcher = NewGitFetcher("", 0)
	}

	watcher, err := NewConfigWatcher(config.ConfigDebounce, r.reloadGlobalConfig, logger)
	if err != nil {
		return nil, err
	}
	r.watcher = watcher

	r.loader = &PluginLoader{
		logger:      logger.With().Str("component", "plugin-loader").Logger(),
		store:       r.store,
		registry:    r.registry,
		configStore: r.configStore,
		watcher:     watcher,
		companion:   NewCompanionDialer(config.CompanionURL, nil, logger),
		hostVersion: host,
		execTimeout: config.ExecTimeout,
		isDisabled:  func(id string) bool { return r.disabled.Has(id) },
	}
	return r, nil
}

// Initialize discovers and loads all plugins under the plugins root.
// Per-plugin failures are collected in the result and never abort the scan.
func (r *Runtime) Initialize(ctx context.Context) (*LoadResult, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.logger.Info().Str("dir", r.store.Root()).Msg("Initializing plugin runtime")

	if err := os.MkdirAll(r.store.Root(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plugins directory: %w", err)
	}
	r.disabled = r.store.LoadDisabledSet()

	result := &LoadResult{
		Loaded:  []string{},
		Failed:  []string{},
		Skipped: []string{},
		Errors:  make(map[string]error),
	}

	discovered, err := r.store.Discover()
	if err != nil {
		return nil, fmt.Errorf("plugin discovery failed: %w", err)
	}

	for _, dp := range discovered {
		if dp.Err != nil {
			result.Failed = append(result.Failed, dp.DirName)
			result.Errors[dp.DirName] = dp.Err
			continue
		}
		if _, err := r.loader.Load(ctx, dp.Manifest, dp.DirName); err != nil {
			if errors.Is(err, ErrDuplicatePlugin) {
				result.Skipped = append(result.Skipped, dp.DirName)
			} else {
				result.Failed = append(result.Failed, dp.DirName)
			}
			result.Errors[dp.DirName] = err
			continue
		}
		result.Loaded = append(result.Loaded, dp.DirName)
	}

	r.reportLoaded()
	r.logger.Info().
		Int("loaded", len(result.Loaded)).
		Int("failed", len(result.Failed)).
		Int("skipped", len(result.Skipped)).
		Msg("Plugin runtime initialized")

	return result, nil
}

func (r *Runtime) reportLoaded() {
	var enabled, disabled int
	for _, lp := range r.registry.List() {
		if lp.Disabled() {
			disabled++
		} else {
			enabled++
		}
	}
	r.observer.PluginsLoaded(enabled, disabled)
}

// Events returns the runtime's event emitter.
func (r *Runtime) Events() *EventEmitter {
	return r.events
}

// Registry returns the plugin registry.
func (r *Runtime) Registry() *PluginRegistry {
	return r.registry
}

// ListManifests returns a view of every loaded plugin, sorted by ID.
func (r *Runtime) ListManifests() []ManifestInfo {
	plugins := r.registry.List()
	infos := make([]ManifestInfo, 0, len(plugins))
	for _, lp := range plugins {
		m := lp.Manifest
		var configFile string
		if lp.ConfigPath != "" {
			configFile = filepath.Base(lp.ConfigPath)
		}
		infos = append(infos, ManifestInfo{
			ID:                   m.ID,
			Name:                 m.Name,
			Version:              m.Version,
			Author:               m.Author,
			Description:          m.Description,
			Status:               m.Status,
			Capabilities:         m.Capabilities,
			HasActionHandler:     lp.caps.action != nil,
			HasRouter:            lp.caps.router != nil,
			HasConnectionTest:    lp.caps.tester != nil,
			GlobalConfigFileName: configFile,
			ConfigSchema:         lp.configSchema(),
			ActionSchema:         lp.actionSchema(),
			Locales:              r.locales(lp),
		})
	}
	return infos
}

// locales lazily reads <dir>/locales/*.json once per loaded record.
func (r *Runtime) locales(lp *LoadedPlugin) map[string]json.RawMessage {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.localesRead {
		return lp.locales
	}
	lp.localesRead = true

	files, _ := filepath.Glob(filepath.Join(lp.Dir, "locales", "*.json"))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil || !json.Valid(data) {
			r.logger.Debug().Str("file", f).Msg("Skipping unreadable locale file")
			continue
		}
		if lp.locales == nil {
			lp.locales = make(map[string]json.RawMessage)
		}
		lp.locales[strings.TrimSuffix(filepath.Base(f), ".json")] = data
	}
	return lp.locales
}

// GetGlobalConfig returns the plugin's global config, reading it from disk
// when nothing is cached.
func (r *Runtime) GetGlobalConfig(ctx context.Context, pluginID string) (json.RawMessage, error) {
	lp, ok := r.registry.Get(pluginID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	if lp.ConfigPath == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoGlobalSettings, pluginID)
	}
	return r.loader.contextFor(lp).GlobalConfig(ctx)
}

// TestConnection runs the plugin's connection test against settings.
func (r *Runtime) TestConnection(ctx context.Context, pluginID string, settings json.RawMessage) (result ConnectionTestResult) {
	lp, ok := r.registry.Get(pluginID)
	if !ok {
		return ConnectionTestResult{Success: false, Message: fmt.Sprintf("Plugin '%s' not found.", pluginID)}
	}
	if lp.Disabled() {
		return ConnectionTestResult{Success: false, Message: fmt.Sprintf("Plugin '%s' is disabled.", pluginID)}
	}
	if lp.caps.tester == nil {
		return ConnectionTestResult{Success: false, Message: fmt.Sprintf("Plugin '%s' does not support connection tests.", pluginID)}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("plugin", pluginID).Msg("Connection test panicked")
			result = ConnectionTestResult{Success: false, Error: fmt.Sprintf("panic: %v", rec)}
		}
	}()
	return lp.caps.tester.TestConnection(ctx, settings, r.loader.contextFor(lp))
}

// PluginRouter returns the plugin's HTTP handler, if it has one.
func (r *Runtime) PluginRouter(pluginID string) (http.Handler, bool) {
	lp, ok := r.registry.Get(pluginID)
	if !ok || lp.Disabled() || lp.caps.router == nil {
		return nil, false
	}
	return lp.caps.router, true
}

// reloadGlobalConfig is the ConfigWatcher callback.
func (r *Runtime) reloadGlobalConfig(pluginID string) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	lp, ok := r.registry.Get(pluginID)
	if !ok || !r.watcher.Watching(pluginID) {
		return
	}

	cfg, err := r.configStore.Read(lp.ConfigPath, lp.configSchema())
	if err != nil {
		r.logger.Warn().Err(err).Str("plugin", pluginID).Msg("Config reload failed, keeping previous config")
		r.observer.ConfigReloaded(pluginID, false)
		return
	}
	if jsonEqual(cfg, lp.GlobalConfig()) {
		return
	}

	lp.setGlobalConfig(cfg)
	r.notifyConfigUpdated(lp, cfg)
	r.observer.ConfigReloaded(pluginID, true)
	r.logger.Info().Str("plugin", pluginID).Msg("Global config reloaded")
}

func (r *Runtime) notifyConfigUpdated(lp *LoadedPlugin, cfg json.RawMessage) {
	if listener := lp.caps.configListener; listener != nil && !lp.Disabled() {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().Interface("panic", rec).Str("plugin", lp.Manifest.ID).Msg("Config update listener panicked")
				}
			}()
			listener.OnGlobalConfigUpdate(context.Background(), cloneRaw(cfg))
		}()
	}
	r.events.emitConfigUpdated(lp.Manifest.ID, cfg)
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(a, b json.RawMessage) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
