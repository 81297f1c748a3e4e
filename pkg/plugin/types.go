package plugin

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Status is the enablement state of a plugin, computed at load time
// from the persisted disabled set.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// NoneAction is the sentinel plugin ID the UI stores for a gesture without a binding.
const NoneAction = "none"

// ManifestFileName is the name of the manifest file inside every plugin directory.
const ManifestFileName = "plugin.json"

// DisabledSetFileName is the root-level file holding the disabled plugin IDs.
const DisabledSetFileName = "disabled-plugins.json"

// BackendProtocol selects how a plugin's backend entry is instantiated.
type BackendProtocol string

const (
	ProtocolBuiltin BackendProtocol = "builtin"
	ProtocolExec    BackendProtocol = "exec"
	ProtocolRPC     BackendProtocol = "rpc"
)

// Capabilities are the capability flags declared in plugin.json.
type Capabilities struct {
	HasGlobalSettings bool `json:"hasGlobalSettings"`
	HasActions        bool `json:"hasActions,omitempty"`
	HasConnectionTest bool `json:"hasConnectionTest,omitempty"`
}

// Manifest represents the plugin.json file structure
type Manifest struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name,omitempty"`
	Version              string          `json:"version"`
	Author               string          `json:"author"`
	Description          string          `json:"description,omitempty"`
	BackendEntry         string          `json:"backendEntry,omitempty"`
	BackendProtocol      BackendProtocol `json:"backendProtocol,omitempty"`
	HostVersion          string          `json:"hostVersion,omitempty"` // Semver constraint
	Capabilities         Capabilities    `json:"capabilities"`
	GlobalConfigFileName string          `json:"globalConfigFileName,omitempty"`
	ConfigSchema         json.RawMessage `json:"configSchema,omitempty"`
	ActionSchema         json.RawMessage `json:"actionSchema,omitempty"`

	// Status is computed by the loader and never read from disk.
	Status Status `json:"-"`
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	c.ConfigSchema = cloneRaw(m.ConfigSchema)
	c.ActionSchema = cloneRaw(m.ActionSchema)
	return &c
}

// protocol returns the declared backend protocol, inferring it from the entry if unset.
func (m *Manifest) protocol() BackendProtocol {
	if m.BackendProtocol != "" {
		return m.BackendProtocol
	}
	if strings.HasPrefix(m.BackendEntry, builtinPrefix) {
		return ProtocolBuiltin
	}
	return ProtocolExec
}

// ManifestInfo is the list view of a loaded plugin surfaced to the transport layer.
type ManifestInfo struct {
	ID                   string                     `json:"id"`
	Name                 string                     `json:"name,omitempty"`
	Version              string                     `json:"version"`
	Author               string                     `json:"author"`
	Description          string                     `json:"description,omitempty"`
	Status               Status                     `json:"status"`
	Capabilities         Capabilities               `json:"capabilities"`
	HasActionHandler     bool                       `json:"hasActionHandler"`
	HasRouter            bool                       `json:"hasRouter"`
	HasConnectionTest    bool                       `json:"hasConnectionTest"`
	GlobalConfigFileName string                     `json:"globalConfigFileName,omitempty"`
	ConfigSchema         json.RawMessage            `json:"configSchema,omitempty"`
	ActionSchema         json.RawMessage            `json:"actionSchema,omitempty"`
	Locales              map[string]json.RawMessage `json:"locales,omitempty"`
}

// LoadedPlugin is the registry's unit of record.
type LoadedPlugin struct {
	Manifest   *Manifest
	Instance   Plugin
	ConfigPath string // empty unless the manifest declares global settings
	Dir        string
	LoadedAt   time.Time

	caps capabilitySet

	mu           sync.RWMutex
	globalConfig json.RawMessage
	locales      map[string]json.RawMessage
	localesRead  bool
}

// GlobalConfig returns the cached global configuration, nil when none is loaded.
func (p *LoadedPlugin) GlobalConfig() json.RawMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneRaw(p.globalConfig)
}

func (p *LoadedPlugin) setGlobalConfig(cfg json.RawMessage) {
	p.mu.Lock()
	p.globalConfig = cloneRaw(cfg)
	p.mu.Unlock()
}

// Disabled reports whether the record holds the stub of a disabled plugin.
func (p *LoadedPlugin) Disabled() bool {
	return p.Manifest.Status == StatusDisabled
}

// ActionConfig is the binding authored by the UI for one gesture.
type ActionConfig struct {
	PluginID string          `json:"pluginId"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// ActionDetails describes the recognized gesture that triggered a dispatch.
type ActionDetails struct {
	GestureName string  `json:"gestureName"`
	Confidence  float64 `json:"confidence"`
	Timestamp   int64   `json:"timestamp"`
}

// ActionResult is the only shape Dispatch returns.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// OperationResult is returned by install, uninstall and setState.
type OperationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ConnectionTestResult is returned by a plugin's connection test routine.
type ConnectionTestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// FieldError is one field-level schema violation.
type FieldError struct {
	Field      string         `json:"field"`
	MessageKey string         `json:"messageKey"`
	Details    map[string]any `json:"details,omitempty"`
}

// ConfigPatchResult is returned by PatchGlobalConfig.
type ConfigPatchResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
	Errors  []FieldError    `json:"errors,omitempty"`
}

// DiscoveredPlugin is a plugin directory found during discovery
type DiscoveredPlugin struct {
	DirName  string
	Path     string
	Manifest *Manifest
	Err      error // set when the manifest could not be read
}

// LoadResult contains the results of loading plugins
type LoadResult struct {
	Loaded  []string         // Successfully loaded plugin IDs
	Failed  []string         // Failed plugin IDs
	Skipped []string         // Skipped plugin IDs (duplicates)
	Errors  map[string]error // Errors by plugin ID
}

// DispatchRecord is handed to observers after every dispatch that targeted a plugin.
type DispatchRecord struct {
	ID          string        `json:"id"`
	PluginID    string        `json:"pluginId"`
	GestureName string        `json:"gestureName"`
	Confidence  float64       `json:"confidence"`
	Success     bool          `json:"success"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"durationNs"`
	At          time.Time     `json:"at"`
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	c := make(json.RawMessage, len(raw))
	copy(c, raw)
	return c
}
