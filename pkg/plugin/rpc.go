package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/rpc"
	"os/exec"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"
)

// Handshake is used to verify that the plugin and host are compatible
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "MUDRA_PLUGIN",
	MagicCookieValue: "mudra-plugin-backend-v1",
}

const backendPluginName = "backend"

// PluginMap is the map of plugins we can dispense
var PluginMap = map[string]goplugin.Plugin{
	backendPluginName: &BackendRPCPlugin{},
}

// Backend is implemented by out-of-process plugin binaries served with Serve.
type Backend interface {
	Initialize(globalConfig json.RawMessage) error
	Execute(args BackendExecuteArgs) (BackendResponse, error)
	TestConnection(settings, globalConfig json.RawMessage) (ConnectionTestResult, error)
	ConfigUpdated(globalConfig json.RawMessage) error
	Destroy() error
}

// BackendExecuteArgs are the arguments for the Execute RPC call
type BackendExecuteArgs struct {
	Settings     json.RawMessage
	Details      ActionDetails
	GlobalConfig json.RawMessage
}

// BackendResponse is the response for the Execute RPC call. Data holds JSON.
type BackendResponse struct {
	Success bool
	Message string
	Error   string
	Data    json.RawMessage
}

// TestConnectionArgs are the arguments for the TestConnection RPC call
type TestConnectionArgs struct {
	Settings     json.RawMessage
	GlobalConfig json.RawMessage
}

// ConfigArgs carry the global config for Initialize and ConfigUpdated
type ConfigArgs struct {
	GlobalConfig json.RawMessage
}

// Ack is the placeholder argument and reply for calls without payload.
type Ack struct {
	OK bool
}

// Serve runs impl as a plugin backend. It is called from a plugin binary's main.
func Serve(impl Backend) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			backendPluginName: &BackendRPCPlugin{Impl: impl},
		},
	})
}

// BackendRPCPlugin is the implementation of goplugin.Plugin for net/rpc
type BackendRPCPlugin struct {
	Impl Backend
}

func (p *BackendRPCPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &BackendRPCServer{Impl: p.Impl}, nil
}

func (p *BackendRPCPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &BackendRPCClient{client: c}, nil
}

// BackendRPCServer is the RPC server that BackendRPCClient talks to
type BackendRPCServer struct {
	Impl Backend
}

func (s *BackendRPCServer) Initialize(args ConfigArgs, resp *Ack) error {
	if err := s.Impl.Initialize(args.GlobalConfig); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

func (s *BackendRPCServer) Execute(args BackendExecuteArgs, resp *BackendResponse) error {
	r, err := s.Impl.Execute(args)
	if err != nil {
		return err
	}
	*resp = r
	return nil
}

func (s *BackendRPCServer) TestConnection(args TestConnectionArgs, resp *ConnectionTestResult) error {
	r, err := s.Impl.TestConnection(args.Settings, args.GlobalConfig)
	if err != nil {
		return err
	}
	*resp = r
	return nil
}

func (s *BackendRPCServer) ConfigUpdated(args ConfigArgs, resp *Ack) error {
	if err := s.Impl.ConfigUpdated(args.GlobalConfig); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

func (s *BackendRPCServer) Destroy(args Ack, resp *Ack) error {
	if err := s.Impl.Destroy(); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

// BackendRPCClient is the RPC client that talks to BackendRPCServer
type BackendRPCClient struct {
	client *rpc.Client
}

func (c *BackendRPCClient) Initialize(globalConfig json.RawMessage) error {
	return c.client.Call("Plugin.Initialize", ConfigArgs{GlobalConfig: globalConfig}, &Ack{})
}

func (c *BackendRPCClient) Execute(args BackendExecuteArgs) (BackendResponse, error) {
	var resp BackendResponse
	err := c.client.Call("Plugin.Execute", args, &resp)
	return resp, err
}

func (c *BackendRPCClient) TestConnection(settings, globalConfig json.RawMessage) (ConnectionTestResult, error) {
	var resp ConnectionTestResult
	err := c.client.Call("Plugin.TestConnection", TestConnectionArgs{Settings: settings, GlobalConfig: globalConfig}, &resp)
	return resp, err
}

func (c *BackendRPCClient) ConfigUpdated(globalConfig json.RawMessage) error {
	return c.client.Call("Plugin.ConfigUpdated", ConfigArgs{GlobalConfig: globalConfig}, &Ack{})
}

func (c *BackendRPCClient) Destroy() error {
	return c.client.Call("Plugin.Destroy", Ack{}, &Ack{})
}

// RPCPlugin adapts a Backend running in a child process to the host's
// capability interfaces.
type RPCPlugin struct {
	BasePlugin
	backend Backend
	kill    func()
	logger  zerolog.Logger
}

func newRPCPlugin(backend Backend, kill func(), logger zerolog.Logger) *RPCPlugin {
	return &RPCPlugin{backend: backend, kill: kill, logger: logger}
}

// startRPCPlugin launches executable and dispenses its backend.
func startRPCPlugin(executable, dir string, logger zerolog.Logger) (*RPCPlugin, error) {
	cmd := exec.Command(executable)
	cmd.Dir = dir

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              cmd,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to start plugin process: %w", err)
	}

	raw, err := rpcClient.Dispense(backendPluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin backend: %w", err)
	}

	backend, ok := raw.(Backend)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin process returned unexpected type %T", raw)
	}
	return newRPCPlugin(backend, client.Kill, logger), nil
}

func (p *RPCPlugin) ActionHandler() ActionHandler {
	return p
}

func (p *RPCPlugin) GlobalConfigSchema() json.RawMessage {
	return p.Manifest().ConfigSchema
}

func (p *RPCPlugin) ActionSettingsSchema() json.RawMessage {
	return p.Manifest().ActionSchema
}

func (p *RPCPlugin) maskCapabilities(caps *capabilitySet) {
	declared := p.Manifest().Capabilities
	if !declared.HasActions {
		caps.action = nil
	}
	if !declared.HasConnectionTest {
		caps.tester = nil
	}
}

func (p *RPCPlugin) Initialize(ctx context.Context, pctx *Context) error {
	cfg, err := pctx.GlobalConfig(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Initializing plugin backend without global config")
	}
	return p.backend.Initialize(cfg)
}

func (p *RPCPlugin) Execute(ctx context.Context, settings json.RawMessage, details ActionDetails, globalConfig json.RawMessage, pctx *Context) (*ActionResult, error) {
	resp, err := p.backend.Execute(BackendExecuteArgs{
		Settings:     settings,
		Details:      details,
		GlobalConfig: globalConfig,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success && resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	result := &ActionResult{Success: resp.Success, Message: resp.Message}
	if len(resp.Data) > 0 {
		result.Data = resp.Data
	}
	return result, nil
}

func (p *RPCPlugin) TestConnection(ctx context.Context, settings json.RawMessage, pctx *Context) ConnectionTestResult {
	var globalConfig json.RawMessage
	if pctx != nil {
		globalConfig, _ = pctx.GlobalConfig(ctx)
	}
	res, err := p.backend.TestConnection(settings, globalConfig)
	if err != nil {
		return ConnectionTestResult{Success: false, Error: err.Error()}
	}
	return res
}

func (p *RPCPlugin) OnGlobalConfigUpdate(ctx context.Context, cfg json.RawMessage) {
	if err := p.backend.ConfigUpdated(cfg); err != nil {
		p.logger.Warn().Err(err).Msg("Plugin backend rejected config update")
	}
}

func (p *RPCPlugin) Destroy(ctx context.Context) error {
	err := p.backend.Destroy()
	if p.kill != nil {
		p.kill()
	}
	return err
}
