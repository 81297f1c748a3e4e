package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Dispatch routes a recognized gesture to the bound plugin's action handler.
// It never panics and never returns an error: every outcome is an ActionResult.
func (r *Runtime) Dispatch(ctx context.Context, cfg *ActionConfig, details ActionDetails) (result ActionResult) {
	if cfg == nil || cfg.PluginID == "" || cfg.PluginID == NoneAction {
		return ActionResult{Success: true, Message: "No action configured."}
	}
	pluginID := cfg.PluginID

	start := time.Now()
	defer func() {
		r.observer.DispatchCompleted(DispatchRecord{
			ID:          uuid.NewString(),
			PluginID:    pluginID,
			GestureName: details.GestureName,
			Confidence:  details.Confidence,
			Success:     result.Success,
			Message:     result.Message,
			Duration:    time.Since(start),
			At:          start,
		})
	}()

	lp, ok := r.registry.Get(pluginID)
	if !ok {
		return failure("Plugin '%s' not found.", pluginID)
	}
	if lp.Disabled() {
		return failure("Plugin '%s' is disabled.", pluginID)
	}
	handler := lp.caps.action
	if handler == nil {
		return failure("Plugin '%s' does not support actions.", pluginID)
	}

	if schema := lp.actionSchema(); len(schema) > 0 {
		fieldErrs, err := r.configStore.Validate(cfg.Settings, schema)
		if err != nil {
			return failure("Plugin '%s' failed to execute action: %v", pluginID, err)
		}
		if len(fieldErrs) > 0 {
			res := failure("Invalid action settings for plugin '%s'.", pluginID)
			res.Data = fieldErrs
			return res
		}
	}

	pctx := r.loader.contextFor(lp)
	globalConfig, err := pctx.GlobalConfig(ctx)
	if err != nil {
		r.logger.Debug().Err(err).Str("plugin", pluginID).Msg("Dispatching without global config")
	}
	res, err := safeExecute(ctx, handler, cfg, details, globalConfig, pctx)
	if err != nil {
		r.logger.Warn().Err(err).Str("plugin", pluginID).Str("gesture", details.GestureName).Msg("Action handler failed")
		return failure("Plugin '%s' failed to execute action: %s", pluginID, err.Error())
	}
	if res == nil {
		return ActionResult{Success: true}
	}
	return *res
}

func failure(format string, args ...any) ActionResult {
	return ActionResult{Success: false, Message: fmt.Sprintf(format, args...)}
}

func safeExecute(ctx context.Context, h ActionHandler, cfg *ActionConfig, details ActionDetails, globalConfig json.RawMessage, pctx *Context) (res *ActionResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h.Execute(ctx, cfg.Settings, details, globalConfig, pctx)
}
