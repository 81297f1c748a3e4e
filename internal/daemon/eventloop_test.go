package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/harun/mudra/pkg/history"
	"github.com/harun/mudra/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventLoop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	t.Cleanup(d.closeHistory)

	loop := NewEventLoop(d)
	assert.Same(t, d, loop.daemon)
	assert.Equal(t, defaultMaintenanceInterval, loop.interval)
}

func TestEventLoop_PruneHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.RetentionDays = 7
	d := createTestDaemon(t, cfg)
	t.Cleanup(d.closeHistory)

	now := time.Now()
	ctx := context.Background()
	store := d.GetHistory()
	require.NoError(t, store.Record(ctx, plugin.DispatchRecord{ID: "old", PluginID: "hue", At: now.Add(-10 * 24 * time.Hour)}))
	require.NoError(t, store.Record(ctx, plugin.DispatchRecord{ID: "new", PluginID: "hue", At: now.Add(-time.Hour)}))

	loop := NewEventLoop(d)
	loop.now = func() time.Time { return now }
	assert.Equal(t, int64(1), loop.pruneHistory(ctx))

	left, err := store.Recent(ctx, history.Query{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].ID)

	d.config.History.RetentionDays = 0
	assert.Zero(t, loop.pruneHistory(ctx), "zero retention keeps everything")
}

func TestEventLoop_PruneWithoutHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = false
	d := createTestDaemon(t, cfg)

	assert.Zero(t, NewEventLoop(d).pruneHistory(context.Background()))
}

func TestEventLoopRun(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	t.Cleanup(d.closeHistory)

	loop := NewEventLoop(d)
	loop.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not stop")
	}
}
