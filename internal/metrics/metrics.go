package metrics

import (
	"net/http"

	"github.com/harun/mudra/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mudra"

// Metrics holds the Prometheus collectors for the plugin runtime. It
// implements plugin.Observer.
type Metrics struct {
	registry *prometheus.Registry

	DispatchTotal       *prometheus.CounterVec
	DispatchDuration    *prometheus.HistogramVec
	LoadedPlugins       *prometheus.GaugeVec
	ConfigReloadsTotal  *prometheus.CounterVec
	LifecycleOperations *prometheus.CounterVec
}

var _ plugin.Observer = (*Metrics)(nil)

// NewMetrics creates and registers all metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of gesture action dispatches",
			},
			[]string{"plugin", "status"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of action handler execution in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"plugin"},
		),
		LoadedPlugins: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugins_loaded",
				Help:      "Number of loaded plugins by status",
			},
			[]string{"status"},
		),
		ConfigReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of plugin global config reloads",
			},
			[]string{"plugin", "result"},
		),
		LifecycleOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_operations_total",
				Help:      "Total number of install, uninstall and state change operations",
			},
			[]string{"operation", "result"},
		),
	}

	registry.MustRegister(
		m.DispatchTotal,
		m.DispatchDuration,
		m.LoadedPlugins,
		m.ConfigReloadsTotal,
		m.LifecycleOperations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// DispatchCompleted records one dispatch outcome.
func (m *Metrics) DispatchCompleted(rec plugin.DispatchRecord) {
	m.DispatchTotal.WithLabelValues(rec.PluginID, status(rec.Success)).Inc()
	m.DispatchDuration.WithLabelValues(rec.PluginID).Observe(rec.Duration.Seconds())
}

// ConfigReloaded records a hot reload attempt.
func (m *Metrics) ConfigReloaded(pluginID string, ok bool) {
	m.ConfigReloadsTotal.WithLabelValues(pluginID, status(ok)).Inc()
}

// LifecycleOperation records an install, uninstall or setState.
func (m *Metrics) LifecycleOperation(op string, ok bool) {
	m.LifecycleOperations.WithLabelValues(op, status(ok)).Inc()
}

// PluginsLoaded sets the loaded plugin gauges.
func (m *Metrics) PluginsLoaded(enabled, disabled int) {
	m.LoadedPlugins.WithLabelValues(string(plugin.StatusEnabled)).Set(float64(enabled))
	m.LoadedPlugins.WithLabelValues(string(plugin.StatusDisabled)).Set(float64(disabled))
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
