package entity

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventStateChanged  = "state_changed"
	EventButtonPressed = "button_pressed"
	EventConnection    = "connection"
)

// Event is published on the bus whenever an entity changes.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StateChange is the Data of an EventStateChanged event.
type StateChange struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	State any    `json:"state"`
}

// ButtonPress is the Data of an EventButtonPressed event.
type ButtonPress struct {
	ID    string     `json:"id"`
	Type  ButtonType `json:"type"`
	Error string     `json:"error,omitempty"`
}

// ConnectionChange is the Data of an EventConnection event.
type ConnectionChange struct {
	State string `json:"state"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// anyEvent keys the subscribers that receive every event type.
const anyEvent = "*"

// EventBus delivers entity events to subscribers. Emit runs handlers on the
// caller's goroutine, type subscribers before catch-all ones.
type EventBus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]EventHandler
	nextID uint64
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger, subs: make(map[string]map[uint64]EventHandler)}
}

// On registers a handler for one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler that receives every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe(anyEvent, handler)
}

func (eb *EventBus) subscribe(key string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.subs[key] == nil {
		eb.subs[key] = make(map[uint64]EventHandler)
	}
	eb.subs[key][id] = handler
	return func() {
		eb.mu.Lock()
		delete(eb.subs[key], id)
		eb.mu.Unlock()
	}
}

// Emit calls every matching handler; a panicking handler is logged and the
// rest still run.
func (eb *EventBus) Emit(event Event) {
	var handlers []EventHandler
	eb.mu.RLock()
	for _, key := range [...]string{event.Type, anyEvent} {
		for _, h := range eb.subs[key] {
			handlers = append(handlers, h)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.deliver(h, event)
	}
}

func (eb *EventBus) deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
