package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// DefaultGlobalConfigFileName is used when a manifest with global settings names no file.
const DefaultGlobalConfigFileName = "config.json"

// PluginLoader turns a manifest into a registered LoadedPlugin
type PluginLoader struct {
	logger      zerolog.Logger
	store       *ManifestStore
	registry    *PluginRegistry
	configStore ConfigStore
	watcher     *ConfigWatcher
	companion   *CompanionDialer
	hostVersion *semver.Version
	execTimeout time.Duration
	isDisabled  func(pluginID string) bool
}

func (p *LoadedPlugin) configSchema() json.RawMessage {
	if len(p.caps.configSchema) > 0 {
		return p.caps.configSchema
	}
	return p.Manifest.ConfigSchema
}

func (p *LoadedPlugin) actionSchema() json.RawMessage {
	if len(p.caps.actionSchema) > 0 {
		return p.caps.actionSchema
	}
	return p.Manifest.ActionSchema
}

// Load registers the plugin found in dirName. The directory name is the
// plugin's ID. A duplicate ID wraps ErrDuplicatePlugin and a backend that
// cannot be built returns *LoadError; neither leaves a registry entry.
// A failing Initialize is rolled back and its error returned.
func (l *PluginLoader) Load(ctx context.Context, manifest *Manifest, dirName string) (*LoadedPlugin, error) {
	if manifest.ID != dirName {
		l.logger.Warn().
			Str("declared", manifest.ID).
			Str("dir", dirName).
			Msg("Manifest ID does not match directory name, using directory name")
		manifest.ID = dirName
	}
	id := manifest.ID

	if l.registry.Has(id) {
		l.logger.Warn().Str("id", id).Msg("Duplicate plugin ID, skipping")
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePlugin, id)
	}

	manifest.Status = StatusEnabled
	if l.isDisabled != nil && l.isDisabled(id) {
		manifest.Status = StatusDisabled
	}

	dir := l.store.PluginDir(dirName)
	instance, err := l.instantiate(manifest, dir)
	if err != nil {
		l.logger.Error().Err(err).Str("id", id).Msg("Failed to load plugin backend")
		return nil, &LoadError{PluginID: id, Err: err}
	}
	instance.SetManifest(manifest)

	lp := &LoadedPlugin{
		Manifest: manifest,
		Instance: instance,
		Dir:      dir,
		LoadedAt: time.Now(),
		caps:     resolveCapabilities(instance),
	}

	if manifest.Capabilities.HasGlobalSettings {
		name := manifest.GlobalConfigFileName
		if name == "" {
			name = DefaultGlobalConfigFileName
		}
		lp.ConfigPath = filepath.Join(dir, name)

		cfg, err := l.configStore.Read(lp.ConfigPath, lp.configSchema())
		if err != nil {
			l.logger.Warn().Err(err).Str("id", id).Msg("Global config unavailable")
		} else {
			lp.setGlobalConfig(cfg)
		}
	}

	if err := l.registry.Register(lp); err != nil {
		l.destroyInstance(ctx, lp)
		return nil, err
	}

	if lp.ConfigPath != "" && l.watcher != nil {
		if err := l.watcher.Watch(id, lp.ConfigPath); err != nil {
			l.logger.Warn().Err(err).Str("id", id).Msg("Failed to watch global config")
		}
	}

	if !lp.Disabled() && lp.caps.initializer != nil {
		if err := safeInitialize(ctx, lp.caps.initializer, l.contextFor(lp)); err != nil {
			l.unload(ctx, lp)
			l.logger.Error().Err(err).Str("id", id).Msg("Plugin initialization failed")
			return nil, fmt.Errorf("failed to initialize plugin %s: %w", id, err)
		}
	}

	l.logger.Info().
		Str("id", id).
		Str("version", manifest.Version).
		Str("status", string(manifest.Status)).
		Msg("Plugin loaded")

	return lp, nil
}

func (l *PluginLoader) contextFor(lp *LoadedPlugin) *Context {
	return newContext(lp, l.configStore, l.companion, l.logger)
}

// instantiate builds the backend instance. Disabled and codeless plugins get a stub.
func (l *PluginLoader) instantiate(m *Manifest, dir string) (Plugin, error) {
	if m.Status == StatusDisabled || m.BackendEntry == "" {
		return newStubPlugin(m), nil
	}
	if err := checkHostVersion(m, l.hostVersion); err != nil {
		return nil, err
	}

	switch m.protocol() {
	case ProtocolBuiltin:
		return instantiateBuiltin(m.BackendEntry)
	case ProtocolExec:
		path, err := resolveExecutable(dir, m.BackendEntry)
		if err != nil {
			return nil, err
		}
		return newExecPlugin(path, dir, l.execTimeout, l.logger.With().Str("plugin", m.ID).Logger()), nil
	case ProtocolRPC:
		path, err := resolveExecutable(dir, m.BackendEntry)
		if err != nil {
			return nil, err
		}
		p, err := startRPCPlugin(path, dir, l.logger.With().Str("plugin", m.ID).Logger())
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown backend protocol: %s", m.protocol())
	}
}

// resolveExecutable joins entry to dir and rejects paths escaping the plugin directory.
func resolveExecutable(dir, entry string) (string, error) {
	path := filepath.Join(dir, entry)
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("backend entry %q escapes the plugin directory", entry)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("plugin executable not found: %s", path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("plugin executable is a directory: %s", path)
	}
	return path, nil
}

// unload stops the watch, removes the registry entry and tears down the instance.
func (l *PluginLoader) unload(ctx context.Context, lp *LoadedPlugin) {
	id := lp.Manifest.ID
	if l.watcher != nil {
		l.watcher.Unwatch(id)
	}
	if current, ok := l.registry.Get(id); ok && current == lp {
		_, _ = l.registry.Remove(id)
	}
	l.destroyInstance(ctx, lp)
}

func (l *PluginLoader) destroyInstance(ctx context.Context, lp *LoadedPlugin) {
	if lp.caps.destroyer == nil {
		return
	}
	if err := safeDestroy(ctx, lp.caps.destroyer); err != nil {
		l.logger.Error().Err(err).Str("id", lp.Manifest.ID).Msg("Plugin teardown failed")
	}
}

func safeInitialize(ctx context.Context, init Initializer, pctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during initialize: %v", r)
		}
	}()
	return init.Initialize(ctx, pctx)
}

func safeDestroy(ctx context.Context, d Destroyer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during destroy: %v", r)
		}
	}()
	return d.Destroy(ctx)
}
