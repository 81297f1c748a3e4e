package plugin

import (
	"encoding/json"
	"sync"
	"time"
)

// Event names a runtime state change.
type Event string

const (
	// EventManifestsChanged fires after install, uninstall and state changes.
	EventManifestsChanged Event = "manifests.changed"
	// EventConfigUpdated fires after a plugin's global config changed.
	EventConfigUpdated Event = "config.updated"
)

// ManifestsChangedPayload is the payload for EventManifestsChanged
type ManifestsChangedPayload struct {
	PluginID  string    `json:"pluginId,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfigUpdatedPayload is the payload for EventConfigUpdated
type ConfigUpdatedPayload struct {
	PluginID  string          `json:"pluginId"`
	NewConfig json.RawMessage `json:"newConfig"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventHandler is a function that handles runtime events
type EventHandler func(event Event, payload interface{})

// EventEmitter broadcasts runtime events to subscribers. Delivery happens off
// the emitting goroutine, one event at a time in emit order.
type EventEmitter struct {
	mu        sync.RWMutex
	listeners map[Event][]EventHandler

	qmu      sync.Mutex
	queue    []queuedEvent
	draining bool
}

type queuedEvent struct {
	event   Event
	payload interface{}
}

// NewEventEmitter creates a new event emitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		listeners: make(map[Event][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event Event, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

// Emit queues an event for asynchronous delivery and returns immediately.
// Handlers see events in the order they were emitted.
func (e *EventEmitter) Emit(event Event, payload interface{}) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	e.queue = append(e.queue, queuedEvent{event: event, payload: payload})
	if !e.draining {
		e.draining = true
		go e.drain()
	}
}

func (e *EventEmitter) drain() {
	for {
		e.qmu.Lock()
		if len(e.queue) == 0 {
			e.draining = false
			e.qmu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue[0] = queuedEvent{}
		e.queue = e.queue[1:]
		e.qmu.Unlock()

		e.mu.RLock()
		handlers := e.listeners[next.event]
		e.mu.RUnlock()
		for _, handler := range handlers {
			deliver(handler, next)
		}
	}
}

// deliver keeps one panicking handler from stopping the queue.
func deliver(handler EventHandler, ev queuedEvent) {
	defer func() { _ = recover() }()
	handler(ev.event, ev.payload)
}

func (e *EventEmitter) emitManifestsChanged(pluginID, reason string) {
	e.Emit(EventManifestsChanged, ManifestsChangedPayload{
		PluginID:  pluginID,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

func (e *EventEmitter) emitConfigUpdated(pluginID string, cfg json.RawMessage) {
	e.Emit(EventConfigUpdated, ConfigUpdatedPayload{
		PluginID:  pluginID,
		NewConfig: cloneRaw(cfg),
		Timestamp: time.Now(),
	})
}

// RemoveAllListeners removes all event listeners
func (e *EventEmitter) RemoveAllListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[Event][]EventHandler)
}
