package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Lifecycle operation names reported to observers.
const (
	OpInstall   = "install"
	OpUninstall = "uninstall"
	OpSetState  = "setState"
)

func (r *Runtime) finishOp(op, pluginID string, res OperationResult) OperationResult {
	r.observer.LifecycleOperation(op, res.Success)
	ev := r.logger.Info()
	if !res.Success {
		ev = r.logger.Warn()
	}
	ev.Str("op", op).Str("plugin", pluginID).Bool("success", res.Success).Msg(res.Message)
	if res.Success {
		r.events.emitManifestsChanged(pluginID, op)
	}
	return res
}

// Install fetches a plugin from sourceURL into the plugins root and loads it.
// Any failure after the target directory was created removes it again.
func (r *Runtime) Install(ctx context.Context, sourceURL string) OperationResult {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	sourceURL = strings.TrimSpace(sourceURL)
	id, err := pluginIDFromURL(sourceURL)
	if err != nil {
		return r.finishOp(OpInstall, "", OperationResult{Success: false, Message: "Invalid Git repository URL provided."})
	}

	dest := r.store.PluginDir(id)
	if _, err := os.Stat(dest); err == nil {
		return r.finishOp(OpInstall, id, OperationResult{Success: false, Message: fmt.Sprintf("Plugin directory '%s' already exists.", id)})
	}

	fail := func(err error) OperationResult {
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			r.logger.Error().Err(rmErr).Str("dir", dest).Msg("Failed to clean up plugin directory")
		}
		return r.finishOp(OpInstall, id, OperationResult{Success: false, Message: fmt.Sprintf("Failed to install plugin '%s': %v", id, err)})
	}

	if err := os.MkdirAll(r.store.Root(), 0o755); err != nil {
		return r.finishOp(OpInstall, id, OperationResult{Success: false, Message: fmt.Sprintf("Failed to install plugin '%s': %v", id, err)})
	}
	if err := os.Mkdir(dest, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return r.finishOp(OpInstall, id, OperationResult{Success: false, Message: fmt.Sprintf("Plugin directory '%s' already exists.", id)})
		}
		return r.finishOp(OpInstall, id, OperationResult{Success: false, Message: fmt.Sprintf("Failed to install plugin '%s': %v", id, err)})
	}

	if err := r.fetcher.Fetch(ctx, sourceURL, dest); err != nil {
		return fail(err)
	}

	manifest, err := r.store.ReadManifest(id)
	if err != nil {
		return fail(err)
	}
	if _, err := r.loader.Load(ctx, manifest, id); err != nil {
		return fail(err)
	}

	r.reportLoaded()
	return r.finishOp(OpInstall, id, OperationResult{Success: true, Message: fmt.Sprintf("Plugin '%s' installed successfully.", id)})
}

// Uninstall tears the plugin down and deletes its directory.
func (r *Runtime) Uninstall(ctx context.Context, pluginID string) OperationResult {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	notFound := OperationResult{Success: false, Message: fmt.Sprintf("Plugin '%s' not found.", pluginID)}
	// Reserved folders and root-level files are never plugins.
	if !pluginIDRegex.MatchString(pluginID) || skipDirName(pluginID) {
		return r.finishOp(OpUninstall, pluginID, notFound)
	}

	dir := r.store.PluginDir(pluginID)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return r.finishOp(OpUninstall, pluginID, notFound)
		}
		return r.finishOp(OpUninstall, pluginID, OperationResult{Success: false, Message: fmt.Sprintf("Failed to uninstall plugin '%s': %v", pluginID, err)})
	}
	if !info.IsDir() {
		return r.finishOp(OpUninstall, pluginID, notFound)
	}
	if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err != nil {
		return r.finishOp(OpUninstall, pluginID, notFound)
	}

	// The plugin must be unregistered before its files disappear.
	if lp, ok := r.registry.Get(pluginID); ok {
		r.loader.unload(ctx, lp)
	}

	if err := os.RemoveAll(dir); err != nil {
		return r.finishOp(OpUninstall, pluginID, OperationResult{Success: false, Message: fmt.Sprintf("Failed to uninstall plugin '%s': %v", pluginID, err)})
	}

	if r.disabled.Has(pluginID) {
		r.disabled.Remove(pluginID)
		r.store.SaveDisabledSet(r.disabled.clone())
	}

	r.reportLoaded()
	return r.finishOp(OpUninstall, pluginID, OperationResult{Success: true, Message: fmt.Sprintf("Plugin '%s' uninstalled successfully.", pluginID)})
}

// SetState enables or disables a loaded plugin by reloading it under the new state.
// A reload failure leaves the plugin unloaded.
func (r *Runtime) SetState(ctx context.Context, pluginID string, state Status) OperationResult {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if state != StatusEnabled && state != StatusDisabled {
		return r.finishOp(OpSetState, pluginID, OperationResult{Success: false, Message: fmt.Sprintf("Invalid plugin state '%s'.", state)})
	}

	lp, ok := r.registry.Get(pluginID)
	if !ok {
		return r.finishOp(OpSetState, pluginID, OperationResult{Success: false, Message: fmt.Sprintf("Plugin '%s' not found.", pluginID)})
	}

	if state == StatusDisabled {
		r.disabled.Add(pluginID)
	} else {
		r.disabled.Remove(pluginID)
	}
	r.store.SaveDisabledSet(r.disabled.clone())

	r.loader.unload(ctx, lp)

	manifest, err := r.store.ReadManifest(pluginID)
	if err == nil {
		_, err = r.loader.Load(ctx, manifest, pluginID)
	}
	r.reportLoaded()
	if err != nil {
		return r.finishOp(OpSetState, pluginID, OperationResult{Success: false, Message: fmt.Sprintf("Failed to reload plugin '%s': %v", pluginID, err)})
	}

	return r.finishOp(OpSetState, pluginID, OperationResult{Success: true, Message: fmt.Sprintf("Plugin '%s' %s.", pluginID, state)})
}

// Destroy tears down every plugin and stops the config watcher. One plugin's
// failing or panicking teardown does not prevent the others'.
func (r *Runtime) Destroy(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	for _, lp := range r.registry.drain() {
		r.watcher.Unwatch(lp.Manifest.ID)
		r.loader.destroyInstance(ctx, lp)
	}

	r.logger.Info().Msg("Plugin runtime destroyed")
	return r.watcher.Close()
}
