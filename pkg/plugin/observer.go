package plugin

// Observer receives runtime telemetry. Implementations must not block.
type Observer interface {
	DispatchCompleted(rec DispatchRecord)
	ConfigReloaded(pluginID string, ok bool)
	LifecycleOperation(op string, ok bool)
	PluginsLoaded(enabled, disabled int)
}

// NopObserver ignores everything. Embed it to implement a subset of Observer.
type NopObserver struct{}

func (NopObserver) DispatchCompleted(DispatchRecord) {}
func (NopObserver) ConfigReloaded(string, bool) {}
func (NopObserver) LifecycleOperation(string, bool) {}
func (NopObserver) PluginsLoaded(enabled, disabled int) {}

type observers []Observer

func (o observers) DispatchCompleted(rec DispatchRecord) {
	for _, ob := range o {
		ob.DispatchCompleted(rec)
	}
}

func (o observers) ConfigReloaded(pluginID string, ok bool) {
	for _, ob := range o {
		ob.ConfigReloaded(pluginID, ok)
	}
}

func (o observers) LifecycleOperation(op string, ok bool) {
	for _, ob := range o {
		ob.LifecycleOperation(op, ok)
	}
}

func (o observers) PluginsLoaded(enabled, disabled int) {
	for _, ob := range o {
		ob.PluginsLoaded(enabled, disabled)
	}
}
