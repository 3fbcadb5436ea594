// Package entity exposes the toy as home-automation entities: sensors fed
// by driver telemetry, a light and buttons that submit driver commands.
package entity

import (
	"strings"
	"sync"
	"time"
)

// Kind is the home-automation component type of an entity.
type Kind string

const (
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
	KindTextSensor   Kind = "text_sensor"
	KindLight        Kind = "light"
	KindButton       Kind = "button"
)

// Entity is anything the registry can list.
type Entity interface {
	ID() string
	Name() string
	Kind() Kind
	Snapshot() Snapshot
}

// Snapshot is the JSON view of an entity and its last state.
type Snapshot struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Kind       Kind           `json:"kind"`
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Updated    time.Time      `json:"updated,omitempty"`
}

// ObjectID derives a topic-safe id from a display name.
func ObjectID(name string) string {
	id := strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, id)
}

type base struct {
	id   string
	name string
	kind Kind
	bus  *EventBus

	mu      sync.RWMutex
	updated time.Time
}

func newBase(name string, kind Kind, bus *EventBus) base {
	return base{id: ObjectID(name), name: name, kind: kind, bus: bus}
}

func (b *base) ID() string   { return b.id }
func (b *base) Name() string { return b.name }
func (b *base) Kind() Kind   { return b.kind }

func (b *base) emit(state any) {
	if b.bus == nil {
		return
	}
	b.bus.Emit(Event{Type: EventStateChanged, Data: StateChange{ID: b.id, Kind: b.kind, State: state}})
}
