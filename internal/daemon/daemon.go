package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/harun/mudra/internal/config"
	"github.com/harun/mudra/internal/logger"
	"github.com/harun/mudra/internal/metrics"
	"github.com/harun/mudra/pkg/gateway"
	"github.com/harun/mudra/pkg/history"
	"github.com/harun/mudra/pkg/plugin"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// Daemon runs the plugin runtime behind the gateway
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	runtime       *plugin.Runtime
	history       *history.Store
	metrics       *metrics.Metrics
	gatewayServer *gateway.Server

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status is a point-in-time view of the daemon
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Plugins   int
}

// New wires the daemon's components. Nothing is started until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := resolvePaths(cfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Component("daemon"),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initializeModules(); err != nil {
		cancel()
		d.closeHistory()
		return nil, fmt.Errorf("failed to initialize modules: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// resolvePaths fills paths derived from DataDir.
func resolvePaths(cfg *config.Config) error {
	if cfg.DataDir == "" {
		return errors.New("data directory is required")
	}
	if cfg.PluginsDir == "" {
		cfg.PluginsDir = filepath.Join(cfg.DataDir, "plugins")
	}
	if cfg.History.DBPath == "" {
		cfg.History.DBPath = filepath.Join(cfg.DataDir, "history.db")
	}
	return nil
}

func (d *Daemon) initializeModules() error {
	var observers []plugin.Observer

	if d.config.Metrics.Enabled {
		d.metrics = metrics.NewMetrics()
		observers = append(observers, d.metrics)
		d.log.Info().Msg("Metrics initialized")
	}

	if d.config.History.Enabled {
		store, err := history.Open(history.Config{
			DBPath: d.config.History.DBPath,
			Logger: d.logger.Zerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		d.history = store
		observers = append(observers, store)
	}

	runtime, err := NewRuntime(d.config, d.logger.Zerolog(), observers...)
	if err != nil {
		return err
	}
	d.runtime = runtime

	gwCfg := gateway.Config{
		Host:         d.config.Gateway.Host,
		Port:         d.config.Gateway.Port,
		SharedSecret: d.config.Gateway.SharedSecret,
		Plugins:      runtime,
		Logger:       d.logger.Zerolog(),
	}
	// Typed nils must not reach the interface fields.
	if d.history != nil {
		gwCfg.History = d.history
	}
	if d.metrics != nil {
		gwCfg.Metrics = d.metrics.Handler()
	}
	server, err := gateway.NewServer(gwCfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server
	d.log.Info().Strs("methods", server.Methods()).Msg("Gateway server initialized")

	return nil
}

// NewRuntime builds a plugin runtime from the process configuration. The
// CLI uses it directly for offline plugin management.
func NewRuntime(cfg *config.Config, log zerolog.Logger, observers ...plugin.Observer) (*plugin.Runtime, error) {
	runtime, err := plugin.NewRuntime(log, plugin.RuntimeConfig{
		PluginsDir:     cfg.PluginsDir,
		HostVersion:    cfg.Runtime.HostVersion,
		ConfigDebounce: cfg.Runtime.ConfigDebounce(),
		ExecTimeout:    cfg.Runtime.ExecTimeout(),
		CompanionURL:   cfg.Runtime.CompanionURL,
		Fetcher:        plugin.NewGitFetcher(cfg.Runtime.GitBinary, cfg.Runtime.InstallTimeout()),
		Observers:      observers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin runtime: %w", err)
	}
	return runtime, nil
}

// Start loads plugins and starts serving
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.log.Info().Str("plugins_dir", d.config.PluginsDir).Msg("Starting mudra daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	result, err := d.runtime.Initialize(d.ctx)
	if err != nil {
		d.setStopped()
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to initialize plugin runtime: %w", err)
	}
	d.logLoadResult(result)

	if err := d.gatewayServer.Start(); err != nil {
		d.setStopped()
		_ = d.runtime.Destroy(context.Background())
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	d.log.Info().Str("addr", d.gatewayServer.Addr()).Msg("Daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) logLoadResult(result *plugin.LoadResult) {
	d.log.Info().
		Strs("loaded", result.Loaded).
		Strs("failed", result.Failed).
		Strs("skipped", result.Skipped).
		Msg("Plugins loaded")

	ids := make([]string, 0, len(result.Errors))
	for id := range result.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d.log.Warn().Err(result.Errors[id]).Str("plugin", id).Msg("Plugin failed to load")
	}
}

// Stop shuts everything down in reverse start order
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.log.Info().Msg("Stopping mudra daemon")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.gatewayServer.Stop(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop gateway server")
	}

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.runtime.Destroy(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to destroy plugin runtime")
	}

	d.closeHistory()

	if err := d.lifecycle.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.log.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) closeHistory() {
	if d.history == nil {
		return
	}
	if err := d.history.Close(); err != nil && !errors.Is(err, history.ErrClosed) {
		d.log.Error().Err(err).Msg("Failed to close history store")
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Plugins = d.runtime.Registry().Len()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.log.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetRuntime returns the plugin runtime
func (d *Daemon) GetRuntime() *plugin.Runtime {
	return d.runtime
}

// GetHistory returns the history store, nil when disabled
func (d *Daemon) GetHistory() *history.Store {
	return d.history
}

// GetMetrics returns the metrics, nil when disabled
func (d *Daemon) GetMetrics() *metrics.Metrics {
	return d.metrics
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
