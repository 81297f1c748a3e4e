package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PatchGlobalConfig shallow-merges patch over the plugin's current global
// config, validates the result and persists it. Nothing is written when
// validation fails.
func (r *Runtime) PatchGlobalConfig(ctx context.Context, pluginID string, patch json.RawMessage) ConfigPatchResult {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	lp, ok := r.registry.Get(pluginID)
	if !ok {
		return ConfigPatchResult{Success: false, Message: fmt.Sprintf("Plugin '%s' not found.", pluginID)}
	}
	if lp.ConfigPath == "" {
		return ConfigPatchResult{Success: false, Message: fmt.Sprintf("Plugin '%s' has no global settings.", pluginID)}
	}

	parsed := gjson.ParseBytes(patch)
	if !gjson.ValidBytes(patch) || !parsed.IsObject() {
		return ConfigPatchResult{Success: false, Message: "Config patch must be a JSON object."}
	}

	base, err := r.loader.contextFor(lp).GlobalConfig(ctx)
	if err != nil || !gjson.ParseBytes(base).IsObject() {
		base = json.RawMessage("{}")
	}

	merged, err := mergeTopLevel(base, parsed)
	if err != nil {
		return ConfigPatchResult{Success: false, Message: fmt.Sprintf("Failed to merge configuration for plugin '%s': %v", pluginID, err)}
	}

	fieldErrs, err := r.configStore.Write(lp.ConfigPath, merged, lp.configSchema())
	if err != nil {
		r.logger.Error().Err(err).Str("plugin", pluginID).Msg("Failed to save global config")
		return ConfigPatchResult{Success: false, Message: fmt.Sprintf("Failed to save configuration for plugin '%s': %v", pluginID, err)}
	}
	if len(fieldErrs) > 0 {
		return ConfigPatchResult{
			Success: false,
			Message: fmt.Sprintf("Invalid configuration for plugin '%s'.", pluginID),
			Errors:  fieldErrs,
		}
	}

	changed := !jsonEqual(merged, lp.GlobalConfig())
	lp.setGlobalConfig(merged)
	if changed {
		r.notifyConfigUpdated(lp, merged)
	}

	return ConfigPatchResult{Success: true, Message: "Configuration saved.", Config: merged}
}

// mergeTopLevel sets every top-level key of patch on base.
func mergeTopLevel(base json.RawMessage, patch gjson.Result) (json.RawMessage, error) {
	out := []byte(base)
	var err error
	patch.ForEach(func(key, value gjson.Result) bool {
		out, err = sjson.SetRawBytes(out, escapePathKey(key.String()), []byte(value.Raw))
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var pathKeyEscaper = strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`, ":", `\:`)

// escapePathKey makes a literal object key safe for use as an sjson path.
func escapePathKey(key string) string {
	return pathKeyEscaper.Replace(key)
}
