package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/mudra/pkg/plugin"
	"github.com/rs/zerolog"
)

// EventBroadcaster pushes events to every connected client
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger

	// mu keeps sequence numbers in write order.
	mu  sync.Mutex
	seq int64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all clients. Per-client write failures are
// logged and do not stop delivery to the others.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Seq:       b.seq,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.GetAll()
	if len(clients) == 0 {
		b.logger.Debug().Str("event", event).Int64("seq", msg.Seq).Msg("No clients to broadcast to")
		return
	}

	sent, failed := 0, 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", event).
				Msg("Failed to broadcast to client")
			failed++
			continue
		}
		sent++
	}

	b.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("success", sent).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// Forward relays runtime events to clients.
func (b *EventBroadcaster) Forward(events *plugin.EventEmitter) {
	relay := func(event plugin.Event, payload interface{}) {
		b.Broadcast(string(event), payload)
	}
	events.On(plugin.EventManifestsChanged, relay)
	events.On(plugin.EventConfigUpdated, relay)
}
