package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// DefaultExecTimeout bounds a single exec backend invocation.
const DefaultExecTimeout = 5 * time.Second

// Exec backend actions.
const (
	ExecActionExecute        = "execute"
	ExecActionTestConnection = "testConnection"
	ExecActionConfigUpdated  = "configUpdated"
)

// ExecRequest is written as JSON to the backend's stdin.
type ExecRequest struct {
	Action       string          `json:"action"`
	PluginID     string          `json:"pluginId"`
	Settings     json.RawMessage `json:"settings,omitempty"`
	Details      *ActionDetails  `json:"details,omitempty"`
	GlobalConfig json.RawMessage `json:"globalConfig,omitempty"`
}

// ExecResponse is read as JSON from the backend's stdout.
type ExecResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ExecPlugin runs an executable per invocation, speaking JSON over stdin/stdout.
type ExecPlugin struct {
	BasePlugin
	executable string
	dir        string
	timeout    time.Duration
	logger     zerolog.Logger
}

func newExecPlugin(executable, dir string, timeout time.Duration, logger zerolog.Logger) *ExecPlugin {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &ExecPlugin{executable: executable, dir: dir, timeout: timeout, logger: logger}
}

func (p *ExecPlugin) ActionHandler() ActionHandler {
	return p
}

func (p *ExecPlugin) GlobalConfigSchema() json.RawMessage {
	return p.Manifest().ConfigSchema
}

func (p *ExecPlugin) ActionSettingsSchema() json.RawMessage {
	return p.Manifest().ActionSchema
}

func (p *ExecPlugin) maskCapabilities(caps *capabilitySet) {
	declared := p.Manifest().Capabilities
	if !declared.HasActions {
		caps.action = nil
	}
	if !declared.HasConnectionTest {
		caps.tester = nil
	}
}

// Execute implements ActionHandler.
func (p *ExecPlugin) Execute(ctx context.Context, settings json.RawMessage, details ActionDetails, globalConfig json.RawMessage, pctx *Context) (*ActionResult, error) {
	resp, err := p.call(ctx, &ExecRequest{
		Action:       ExecActionExecute,
		PluginID:     p.Manifest().ID,
		Settings:     settings,
		Details:      &details,
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

// TestConnection implements ConnectionTester.
func (p *ExecPlugin) TestConnection(ctx context.Context, settings json.RawMessage, pctx *Context) ConnectionTestResult {
	var globalConfig json.RawMessage
	if pctx != nil {
		globalConfig, _ = pctx.GlobalConfig(ctx)
	}
	resp, err := p.call(ctx, &ExecRequest{
		Action:       ExecActionTestConnection,
		PluginID:     p.Manifest().ID,
		Settings:     settings,
		GlobalConfig: globalConfig,
	})
	if err != nil {
		return ConnectionTestResult{Success: false, Error: err.Error()}
	}
	return ConnectionTestResult{Success: resp.Success, Message: resp.Message, Error: resp.Error}
}

// OnGlobalConfigUpdate implements ConfigUpdateListener. Failures are logged.
func (p *ExecPlugin) OnGlobalConfigUpdate(ctx context.Context, cfg json.RawMessage) {
	resp, err := p.call(ctx, &ExecRequest{
		Action:       ExecActionConfigUpdated,
		PluginID:     p.Manifest().ID,
		GlobalConfig: cfg,
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("Plugin backend failed to handle config update")
		return
	}
	if !resp.Success {
		p.logger.Warn().Str("error", resp.Error).Msg("Plugin backend rejected config update")
	}
}

func (p *ExecPlugin) call(ctx context.Context, req *ExecRequest) (*ExecResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.executable)
	cmd.Dir = p.dir
	cmd.Stdin = bytes.NewReader(reqJSON)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("plugin execution timeout after %s", p.timeout)
	}
	if err != nil {
		if s := stderr.String(); s != "" {
			return nil, fmt.Errorf("plugin execution failed: %w, stderr: %s", err, s)
		}
		return nil, fmt.Errorf("plugin execution failed: %w", err)
	}

	var resp ExecResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse plugin response: %w, stdout: %s", err, stdout.String())
	}
	return &resp, nil
}
