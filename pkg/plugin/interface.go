package plugin

import (
	"context"
	"encoding/json"
	"net/http"
)

// Plugin is the interface every backend instance implements. All other
// behavior is optional and expressed through the capability interfaces below.
type Plugin interface {
	Manifest() *Manifest
	SetManifest(m *Manifest)
}

// Initializer is called once after the plugin is registered.
type Initializer interface {
	Initialize(ctx context.Context, pctx *Context) error
}

// Destroyer tears the plugin down on disable, uninstall and shutdown.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// ActionHandler executes a gesture-bound action.
type ActionHandler interface {
	Execute(ctx context.Context, settings json.RawMessage, details ActionDetails, globalConfig json.RawMessage, pctx *Context) (*ActionResult, error)
}

// ActionProvider exposes the plugin's action handler.
type ActionProvider interface {
	ActionHandler() ActionHandler
}

// RouterProvider exposes plugin-specific HTTP endpoints.
type RouterProvider interface {
	Router() http.Handler
}

// ConfigSchemaProvider exposes the JSON schema for the plugin's global config.
type ConfigSchemaProvider interface {
	GlobalConfigSchema() json.RawMessage
}

// ActionSchemaProvider exposes the JSON schema for per-gesture action settings.
type ActionSchemaProvider interface {
	ActionSettingsSchema() json.RawMessage
}

// ConfigUpdateListener is notified after a hot reload replaced the global config.
type ConfigUpdateListener interface {
	OnGlobalConfigUpdate(ctx context.Context, cfg json.RawMessage)
}

// ConnectionTester checks candidate settings against the remote service.
type ConnectionTester interface {
	TestConnection(ctx context.Context, settings json.RawMessage, pctx *Context) ConnectionTestResult
}

// capabilityMasker lets process-backed plugins drop capabilities their
// manifest does not declare.
type capabilityMasker interface {
	maskCapabilities(caps *capabilitySet)
}

// capabilitySet holds the optional handles resolved once at load time.
// A nil field means the plugin does not have that capability.
type capabilitySet struct {
	initializer    Initializer
	destroyer      Destroyer
	action         ActionHandler
	router         http.Handler
	configSchema   json.RawMessage
	actionSchema   json.RawMessage
	configListener ConfigUpdateListener
	tester         ConnectionTester
}

func resolveCapabilities(p Plugin) capabilitySet {
	var caps capabilitySet
	if p == nil {
		return caps
	}
	if v, ok := p.(Initializer); ok {
		caps.initializer = v
	}
	if v, ok := p.(Destroyer); ok {
		caps.destroyer = v
	}
	if v, ok := p.(ActionProvider); ok {
		caps.action = v.ActionHandler()
	}
	if v, ok := p.(RouterProvider); ok {
		caps.router = v.Router()
	}
	if v, ok := p.(ConfigSchemaProvider); ok {
		caps.configSchema = v.GlobalConfigSchema()
	}
	if v, ok := p.(ActionSchemaProvider); ok {
		caps.actionSchema = v.ActionSettingsSchema()
	}
	if v, ok := p.(ConfigUpdateListener); ok {
		caps.configListener = v
	}
	if v, ok := p.(ConnectionTester); ok {
		caps.tester = v
	}
	if v, ok := p.(capabilityMasker); ok {
		v.maskCapabilities(&caps)
	}
	return caps
}

// BasePlugin carries the manifest and can be embedded by compiled-in plugins.
type BasePlugin struct {
	manifest *Manifest
}

// Manifest returns the manifest attached by the loader.
func (b *BasePlugin) Manifest() *Manifest {
	return b.manifest
}

// SetManifest attaches the manifest.
func (b *BasePlugin) SetManifest(m *Manifest) {
	b.manifest = m
}

// stubPlugin stands in for disabled plugins and plugins without backend code.
type stubPlugin struct {
	BasePlugin
}

func newStubPlugin(m *Manifest) Plugin {
	s := &stubPlugin{}
	s.SetManifest(m)
	return s
}
