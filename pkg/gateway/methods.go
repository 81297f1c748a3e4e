package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/harun/mudra/pkg/history"
	"github.com/harun/mudra/pkg/plugin"
)

// PluginService is the slice of the plugin runtime the gateway exposes.
type PluginService interface {
	ListManifests() []plugin.ManifestInfo
	GetGlobalConfig(ctx context.Context, pluginID string) (json.RawMessage, error)
	PatchGlobalConfig(ctx context.Context, pluginID string, patch json.RawMessage) plugin.ConfigPatchResult
	TestConnection(ctx context.Context, pluginID string, settings json.RawMessage) plugin.ConnectionTestResult
	Install(ctx context.Context, sourceURL string) plugin.OperationResult
	Uninstall(ctx context.Context, pluginID string) plugin.OperationResult
	SetState(ctx context.Context, pluginID string, state plugin.Status) plugin.OperationResult
	Dispatch(ctx context.Context, cfg *plugin.ActionConfig, details plugin.ActionDetails) plugin.ActionResult
	PluginRouter(pluginID string) (http.Handler, bool)
	Events() *plugin.EventEmitter
}

// HistoryService serves recorded dispatches.
type HistoryService interface {
	Recent(ctx context.Context, q history.Query) ([]plugin.DispatchRecord, error)
}

var (
	_ PluginService  = (*plugin.Runtime)(nil)
	_ HistoryService = (*history.Store)(nil)
)

type pluginIDParams struct {
	PluginID string `json:"pluginId"`
}

func (p pluginIDParams) validate() error {
	if p.PluginID == "" {
		return invalidParams("pluginId parameter is required")
	}
	return nil
}

// decodeParams unmarshals params into v. Absent params leave v zero.
func decodeParams(params json.RawMessage, v interface{}) error {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

// registerBuiltinMethods registers the runtime operations as RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("plugins.list", s.handlePluginsList)
	_ = s.RegisterMethod("plugins.config.get", s.handleConfigGet)
	_ = s.RegisterMethod("plugins.config.patch", s.handleConfigPatch)
	_ = s.RegisterMethod("plugins.testConnection", s.handleTestConnection)
	_ = s.RegisterMethod("plugins.install", s.handleInstall)
	_ = s.RegisterMethod("plugins.uninstall", s.handleUninstall)
	_ = s.RegisterMethod("plugins.setState", s.handleSetState)
	_ = s.RegisterMethod("actions.dispatch", s.handleDispatch)
	_ = s.RegisterMethod("gateway.clients", s.handleClients)

	if s.history != nil {
		_ = s.RegisterMethod("history.recent", s.handleHistoryRecent)
	}
}

func (s *Server) handlePluginsList(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"plugins": s.plugins.ListManifests(),
	}, nil
}

func (s *Server) handleConfigGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p pluginIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	cfg, err := s.plugins.GetGlobalConfig(ctx, p.PluginID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = json.RawMessage("null")
	}
	return map[string]interface{}{
		"pluginId": p.PluginID,
		"config":   cfg,
	}, nil
}

func (s *Server) handleConfigPatch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		pluginIDParams
		Patch json.RawMessage `json:"patch"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.plugins.PatchGlobalConfig(ctx, p.PluginID, p.Patch), nil
}

func (s *Server) handleTestConnection(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		pluginIDParams
		Settings json.RawMessage `json:"settings"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.plugins.TestConnection(ctx, p.PluginID, p.Settings), nil
}

func (s *Server) handleInstall(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		URL string `json:"url"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, invalidParams("url parameter is required")
	}
	return s.plugins.Install(ctx, p.URL), nil
}

func (s *Server) handleUninstall(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p pluginIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.plugins.Uninstall(ctx, p.PluginID), nil
}

func (s *Server) handleSetState(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		pluginIDParams
		State string `json:"state"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	// The runtime owns the message for unknown states.
	return s.plugins.SetState(ctx, p.PluginID, plugin.Status(p.State)), nil
}

func (s *Server) handleDispatch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Action  *plugin.ActionConfig `json:"action"`
		Details plugin.ActionDetails `json:"details"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.plugins.Dispatch(ctx, p.Action, p.Details), nil
}

func (s *Server) handleClients(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"clients": s.clients.Infos(),
	}, nil
}

func (s *Server) handleHistoryRecent(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		PluginID string `json:"pluginId"`
		Limit    int    `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit < 0 {
		return nil, invalidParams("limit must not be negative")
	}

	records, err := s.history.Recent(ctx, history.Query{PluginID: p.PluginID, Limit: p.Limit})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"records": records,
	}, nil
}
