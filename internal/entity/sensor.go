package entity

import (
	"math"
	"time"

	"bb8-bridge/internal/driver"
)

// SensorConfig describes a numeric sensor.
type SensorConfig struct {
	Name        string
	Unit        string
	DeviceClass string
	StateClass  string
	// Accuracy is the number of decimals kept.
	Accuracy int
}

// Sensor is a numeric telemetry entity.
type Sensor struct {
	base
	cfg SensorConfig

	value float64
	has   bool
}

func NewSensor(cfg SensorConfig, bus *EventBus) *Sensor {
	return &Sensor{base: newBase(cfg.Name, KindSensor, bus), cfg: cfg}
}

// Config returns the sensor's configuration.
func (s *Sensor) Config() SensorConfig { return s.cfg }

// Observer adapts the sensor to a driver telemetry channel.
func (s *Sensor) Observer() driver.Observer {
	return func(r driver.Reading) { s.Update(r.Number) }
}

// Update records and publishes a new reading.
func (s *Sensor) Update(v float64) {
	p := math.Pow(10, float64(s.cfg.Accuracy))
	v = math.Round(v*p) / p

	s.mu.Lock()
	s.value, s.has = v, true
	s.updated = time.Now()
	s.mu.Unlock()
	s.emit(v)
}

// Value returns the last reading; ok is false before the first one.
func (s *Sensor) Value() (v float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.has
}

func (s *Sensor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{ID: s.id, Name: s.name, Kind: s.kind, Updated: s.updated,
		Attributes: map[string]any{"unit": s.cfg.Unit, "device_class": s.cfg.DeviceClass}}
	if s.has {
		snap.State = s.value
	}
	return snap
}

// BinarySensor is an on/off telemetry entity.
type BinarySensor struct {
	base
	deviceClass string

	state bool
	has   bool
}

func NewBinarySensor(name, deviceClass string, bus *EventBus) *BinarySensor {
	return &BinarySensor{base: newBase(name, KindBinarySensor, bus), deviceClass: deviceClass}
}

// DeviceClass returns the home-automation device class.
func (s *BinarySensor) DeviceClass() string { return s.deviceClass }

func (s *BinarySensor) Observer() driver.Observer {
	return func(r driver.Reading) { s.Update(r.Bool) }
}

func (s *BinarySensor) Update(on bool) {
	s.mu.Lock()
	s.state, s.has = on, true
	s.updated = time.Now()
	s.mu.Unlock()
	s.emit(on)
}

func (s *BinarySensor) State() (on, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.has
}

func (s *BinarySensor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{ID: s.id, Name: s.name, Kind: s.kind, Updated: s.updated}
	if s.has {
		snap.State = s.state
	}
	if s.deviceClass != "" {
		snap.Attributes = map[string]any{"device_class": s.deviceClass}
	}
	return snap
}

// TextSensor is a string telemetry entity.
type TextSensor struct {
	base

	text string
	has  bool
}

func NewTextSensor(name string, bus *EventBus) *TextSensor {
	return &TextSensor{base: newBase(name, KindTextSensor, bus)}
}

func (s *TextSensor) Observer() driver.Observer {
	return func(r driver.Reading) { s.Update(r.Text) }
}

func (s *TextSensor) Update(text string) {
	s.mu.Lock()
	s.text, s.has = text, true
	s.updated = time.Now()
	s.mu.Unlock()
	s.emit(text)
}

func (s *TextSensor) Text() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text, s.has
}

func (s *TextSensor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{ID: s.id, Name: s.name, Kind: s.kind, Updated: s.updated}
	if s.has {
		snap.State = s.text
	}
	return snap
}

// ConnectionObserver emits EventConnection on bus for every connection
// status reading and then forwards it to next, which may be nil.
func ConnectionObserver(bus *EventBus, next driver.Observer) driver.Observer {
	return func(r driver.Reading) {
		bus.Emit(Event{Type: EventConnection, Data: ConnectionChange{State: r.Text}})
		if next != nil {
			next(r)
		}
	}
}
