package hub

import (
	"log/slog"
	"sync"

	"github.com/soulripper13/cozylife-local/internal/capability"
	"github.com/soulripper13/cozylife-local/internal/session"
)

// Event types
const (
	EventDeviceAdded   = "device_added"
	EventDeviceRemoved = "device_removed"
	EventDeviceOnline  = "device_online"
	EventDeviceOffline = "device_offline"
	EventStateChange   = "state_change"
)

// Event represents a hub event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// DeviceEvent is the payload for device lifecycle events.
type DeviceEvent struct {
	DeviceID string              `json:"device_id"`
	IP       string              `json:"ip"`
	Name     string              `json:"name"`
	Identity session.Identity    `json:"identity"`
	Model    *capability.Model   `json:"model,omitempty"`
	Entities []capability.Entity `json:"entities,omitempty"`
	Reason   string              `json:"reason,omitempty"` // offline events
}

// StateChangeEvent is the payload for state change events.
type StateChangeEvent struct {
	DeviceID string                `json:"device_id"`
	Changed  map[int]int           `json:"changed"`
	Entities []session.EntityState `json:"entities"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for hub events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
