package plugin

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultConfigDebounce is the quiet period after the last write before a reload fires.
const DefaultConfigDebounce = 300 * time.Millisecond

// ReloadFunc is called once per debounced burst of changes to a plugin's config file.
type ReloadFunc func(pluginID string)

type watchEntry struct {
	path  string
	timer *time.Timer
	gen   uint64
}

// ConfigWatcher watches plugin global config files and fires a debounced
// reload per plugin. At most one watch exists per plugin ID.
type ConfigWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration
	onReload ReloadFunc

	mu      sync.Mutex
	entries map[string]*watchEntry // plugin ID -> entry
	byPath  map[string]string      // config path -> plugin ID
	dirRefs map[string]int

	done     chan struct{}
	stopOnce sync.Once
}

// NewConfigWatcher creates a watcher and starts its event loop.
func NewConfigWatcher(debounce time.Duration, onReload ReloadFunc, logger zerolog.Logger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultConfigDebounce
	}

	w := &ConfigWatcher{
		watcher:  watcher,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		debounce: debounce,
		onReload: onReload,
		entries:  make(map[string]*watchEntry),
		byPath:   make(map[string]string),
		dirRefs:  make(map[string]int),
		done:     make(chan struct{}),
	}
	go w.eventLoop()
	return w, nil
}

// Watch starts watching path for pluginID, replacing any existing watch for it.
func (w *ConfigWatcher) Watch(pluginID, path string) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
		return fmt.Errorf("config watcher closed")
	default:
	}

	if _, exists := w.entries[pluginID]; exists {
		w.unwatchLocked(pluginID)
	}

	// The parent directory is watched so atomic rename-into-place is seen.
	if w.dirRefs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	w.dirRefs[dir]++
	w.entries[pluginID] = &watchEntry{path: path}
	w.byPath[path] = pluginID

	w.logger.Debug().Str("plugin", pluginID).Str("path", path).Msg("Watching config file")
	return nil
}

// Unwatch stops watching pluginID and cancels any pending reload.
func (w *ConfigWatcher) Unwatch(pluginID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatchLocked(pluginID)
}

func (w *ConfigWatcher) unwatchLocked(pluginID string) {
	entry, ok := w.entries[pluginID]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(w.entries, pluginID)
	delete(w.byPath, entry.path)

	dir := filepath.Dir(entry.path)
	w.dirRefs[dir]--
	if w.dirRefs[dir] <= 0 {
		delete(w.dirRefs, dir)
		if err := w.watcher.Remove(dir); err != nil {
			w.logger.Debug().Err(err).Str("dir", dir).Msg("Failed to remove directory watch")
		}
	}
}

// Watching reports whether pluginID has an active watch.
func (w *ConfigWatcher) Watching(pluginID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[pluginID]
	return ok
}

// Close cancels all pending reloads and releases the OS watcher.
func (w *ConfigWatcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.mu.Lock()
		for _, entry := range w.entries {
			if entry.timer != nil {
				entry.timer.Stop()
			}
		}
		clear(w.entries)
		clear(w.byPath)
		clear(w.dirRefs)
		w.mu.Unlock()

		if cerr := w.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
	})
	return err
}

func (w *ConfigWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.notify(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

// notify restarts the debounce timer of the plugin owning path.
func (w *ConfigWatcher) notify(path string) {
	path = filepath.Clean(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	pluginID, ok := w.byPath[path]
	if !ok {
		return
	}
	entry := w.entries[pluginID]
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.gen++
	gen := entry.gen

	entry.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		current, ok := w.entries[pluginID]
		if !ok || current != entry || current.gen != gen {
			w.mu.Unlock()
			return
		}
		current.timer = nil
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		if w.onReload != nil {
			w.onReload(pluginID)
		}
	})
}
