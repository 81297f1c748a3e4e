package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/mudra/internal/config"
	"github.com/harun/mudra/internal/daemon"
	"github.com/harun/mudra/pkg/plugin"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	dispatchGesture  string
	dispatchSettings string
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Manage installed plugins",
	Long: `Manage installed plugins.
When the daemon is running the commands go through its gateway, otherwise
they operate on the plugins directory directly.`,
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	Args:  cobra.NoArgs,
	RunE:  runPluginsList,
}

var pluginsInstallCmd = &cobra.Command{
	Use:   "install <git-url>",
	Short: "Install a plugin from a git repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsInstall,
}

var pluginsUninstallCmd = &cobra.Command{
	Use:   "uninstall <plugin-id>",
	Short: "Remove an installed plugin",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsUninstall,
}

var pluginsEnableCmd = &cobra.Command{
	Use:   "enable <plugin-id>",
	Short: "Enable a disabled plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPluginsSetState(cmd, args[0], plugin.StatusEnabled)
	},
}

var pluginsDisableCmd = &cobra.Command{
	Use:   "disable <plugin-id>",
	Short: "Disable a plugin without removing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPluginsSetState(cmd, args[0], plugin.StatusDisabled)
	},
}

var pluginsDispatchCmd = &cobra.Command{
	Use:   "dispatch <plugin-id>",
	Short: "Run a plugin action as if a gesture was recognized",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsDispatch,
}

func init() {
	pluginsDispatchCmd.Flags().StringVar(&dispatchGesture, "gesture", "manual", "gesture name passed to the action")
	pluginsDispatchCmd.Flags().StringVar(&dispatchSettings, "settings", "", "action settings as a JSON object")

	pluginsCmd.AddCommand(pluginsListCmd)
	pluginsCmd.AddCommand(pluginsInstallCmd)
	pluginsCmd.AddCommand(pluginsUninstallCmd)
	pluginsCmd.AddCommand(pluginsEnableCmd)
	pluginsCmd.AddCommand(pluginsDisableCmd)
	pluginsCmd.AddCommand(pluginsDispatchCmd)
	rootCmd.AddCommand(pluginsCmd)
}

// pluginSession reaches plugins either through a running daemon or through a
// runtime owned by this process.
type pluginSession struct {
	client  *gatewayClient
	runtime *plugin.Runtime
	close   func()
}

func openPluginSession(cmd *cobra.Command) (*pluginSession, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if isRunning(daemon.PIDFilePath(cfg.DataDir)) {
		return &pluginSession{client: newGatewayClient(cfg), close: func() {}}, nil
	}
	return openOfflineSession(cmd.Context(), cfg)
}

func openOfflineSession(ctx context.Context, cfg *config.Config) (*pluginSession, error) {
	log, err := newLogger(cfg, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	runtime, err := daemon.NewRuntime(cfg, log.Zerolog())
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	result, err := runtime.Initialize(ctx)
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	zl := log.Zerolog()
	for id, loadErr := range result.Errors {
		zl.Warn().Err(loadErr).Str("plugin", id).Msg("Plugin failed to load")
	}

	return &pluginSession{
		runtime: runtime,
		close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = runtime.Destroy(ctx)
			_ = log.Close()
		},
	}, nil
}

func (s *pluginSession) list(ctx context.Context) ([]plugin.ManifestInfo, error) {
	if s.runtime != nil {
		return s.runtime.ListManifests(), nil
	}
	var out struct {
		Plugins []plugin.ManifestInfo `json:"plugins"`
	}
	if err := s.client.call(ctx, "plugins.list", nil, &out); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}

func (s *pluginSession) operation(ctx context.Context, method string, params map[string]interface{}, local func() plugin.OperationResult) (plugin.OperationResult, error) {
	if s.runtime != nil {
		return local(), nil
	}
	var res plugin.OperationResult
	err := s.client.call(ctx, method, params, &res)
	return res, err
}

func printOperation(cmd *cobra.Command, res plugin.OperationResult) error {
	if !res.Success {
		return fmt.Errorf("%s", res.Message)
	}
	cmd.Println(res.Message)
	return nil
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	session, err := openPluginSession(cmd)
	if err != nil {
		return err
	}
	defer session.close()

	manifests, err := session.list(cmd.Context())
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		cmd.Println("No plugins installed.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"ID", "Version", "Status", "Actions", "Name"})
	for _, m := range manifests {
		t.AppendRow(table.Row{m.ID, m.Version, m.Status, m.HasActionHandler, m.Name})
	}
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	t.Render()
	return nil
}

func runPluginsInstall(cmd *cobra.Command, args []string) error {
	session, err := openPluginSession(cmd)
	if err != nil {
		return err
	}
	defer session.close()

	ctx := cmd.Context()
	res, err := session.operation(ctx, "plugins.install", map[string]interface{}{"url": args[0]}, func() plugin.OperationResult {
		return session.runtime.Install(ctx, args[0])
	})
	if err != nil {
		return err
	}
	return printOperation(cmd, res)
}

func runPluginsUninstall(cmd *cobra.Command, args []string) error {
	session, err := openPluginSession(cmd)
	if err != nil {
		return err
	}
	defer session.close()

	ctx := cmd.Context()
	res, err := session.operation(ctx, "plugins.uninstall", map[string]interface{}{"pluginId": args[0]}, func() plugin.OperationResult {
		return session.runtime.Uninstall(ctx, args[0])
	})
	if err != nil {
		return err
	}
	return printOperation(cmd, res)
}

func runPluginsSetState(cmd *cobra.Command, id string, state plugin.Status) error {
	session, err := openPluginSession(cmd)
	if err != nil {
		return err
	}
	defer session.close()

	ctx := cmd.Context()
	params := map[string]interface{}{"pluginId": id, "state": state}
	res, err := session.operation(ctx, "plugins.setState", params, func() plugin.OperationResult {
		return session.runtime.SetState(ctx, id, state)
	})
	if err != nil {
		return err
	}
	return printOperation(cmd, res)
}

func runPluginsDispatch(cmd *cobra.Command, args []string) error {
	action := &plugin.ActionConfig{PluginID: args[0]}
	if dispatchSettings != "" {
		if !json.Valid([]byte(dispatchSettings)) {
			return fmt.Errorf("--settings must be valid JSON")
		}
		action.Settings = json.RawMessage(dispatchSettings)
	}
	details := plugin.ActionDetails{
		GestureName: dispatchGesture,
		Confidence:  1,
		Timestamp:   time.Now().UnixMilli(),
	}

	session, err := openPluginSession(cmd)
	if err != nil {
		return err
	}
	defer session.close()

	var res plugin.ActionResult
	if session.runtime != nil {
		res = session.runtime.Dispatch(cmd.Context(), action, details)
	} else {
		params := map[string]interface{}{"action": action, "details": details}
		if err := session.client.call(cmd.Context(), "actions.dispatch", params, &res); err != nil {
			return err
		}
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	if !res.Success {
		return fmt.Errorf("action failed")
	}
	return nil
}
