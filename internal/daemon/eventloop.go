package daemon

import (
	"context"
	"time"
)

const defaultMaintenanceInterval = time.Hour

// EventLoop runs periodic maintenance while the daemon is up
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
	now      func() time.Time
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: defaultMaintenanceInterval,
		now:      time.Now,
	}
}

// Run prunes once at startup and then on every tick until ctx ends.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.log.Info().Dur("interval", e.interval).Msg("Event loop started")

	e.processTasks(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.log.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

func (e *EventLoop) processTasks(ctx context.Context) {
	e.pruneHistory(ctx)

	e.daemon.log.Debug().
		Int("plugins", e.daemon.runtime.Registry().Len()).
		Int("clients", len(e.daemon.gatewayServer.GetConnectedClients())).
		Msg("Runtime stats")
}

// pruneHistory drops dispatch records past the retention window.
func (e *EventLoop) pruneHistory(ctx context.Context) int64 {
	store := e.daemon.history
	days := e.daemon.config.History.RetentionDays
	if store == nil || days <= 0 {
		return 0
	}

	cutoff := e.now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := store.Prune(ctx, cutoff)
	if err != nil {
		e.daemon.log.Warn().Err(err).Msg("History prune failed")
		return 0
	}
	if n > 0 {
		e.daemon.log.Info().Int64("removed", n).Int("retention_days", days).Msg("Pruned dispatch history")
	}
	return n
}
