package plugin

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// PluginRegistry tracks loaded plugins keyed by ID
type PluginRegistry struct {
	plugins map[string]*LoadedPlugin
	mu      sync.RWMutex
}

// NewPluginRegistry creates a new plugin registry
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		plugins: make(map[string]*LoadedPlugin),
	}
}

// Register adds a plugin. A second registration under the same ID wraps ErrDuplicatePlugin.
func (r *PluginRegistry) Register(plugin *LoadedPlugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := plugin.Manifest.ID
	if _, exists := r.plugins[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, id)
	}
	r.plugins[id] = plugin
	return nil
}

// Get retrieves a plugin by ID
func (r *PluginRegistry) Get(pluginID string) (*LoadedPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plugin, exists := r.plugins[pluginID]
	return plugin, exists
}

// Has reports whether pluginID is registered.
func (r *PluginRegistry) Has(pluginID string) bool {
	_, ok := r.Get(pluginID)
	return ok
}

// List returns all plugins sorted by ID
func (r *PluginRegistry) List() []*LoadedPlugin {
	r.mu.RLock()
	plugins := make([]*LoadedPlugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		plugins = append(plugins, p)
	}
	r.mu.RUnlock()

	sort.Slice(plugins, func(i, j int) bool {
		return plugins[i].Manifest.ID < plugins[j].Manifest.ID
	})
	return plugins
}

// Len returns the number of registered plugins.
func (r *PluginRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// UpdateConfig replaces the cached global config of a registered plugin.
func (r *PluginRegistry) UpdateConfig(pluginID string, cfg json.RawMessage) error {
	plugin, ok := r.Get(pluginID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	plugin.setGlobalConfig(cfg)
	return nil
}

// Remove removes a plugin from the registry and returns the removed record
func (r *PluginRegistry) Remove(pluginID string) (*LoadedPlugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	plugin, exists := r.plugins[pluginID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	delete(r.plugins, pluginID)
	return plugin, nil
}

// drain removes and returns every plugin, sorted by ID.
func (r *PluginRegistry) drain() []*LoadedPlugin {
	plugins := r.List()
	r.mu.Lock()
	r.plugins = make(map[string]*LoadedPlugin)
	r.mu.Unlock()
	return plugins
}
