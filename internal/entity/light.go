package entity

import (
	"math"
	"time"

	"bb8-bridge/internal/driver"
)

// LightSetter is the driver surface a light needs.
type LightSetter interface {
	SetLightState(mode driver.LightMode, value driver.LightValue, transition time.Duration) *driver.Pending
}

// LightConfig describes the light entity.
type LightConfig struct {
	Name              string
	Mode              driver.LightMode
	DefaultTransition time.Duration
}

// Color is an RGB colour with channels in [0, 1].
type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// LightCommand is a partial update; nil fields keep their current value.
type LightCommand struct {
	State      *bool
	Brightness *float64
	Color      *Color
	Transition *time.Duration
}

// LightStatus is the entity-level light state.
type LightStatus struct {
	On         bool    `json:"on"`
	Brightness float64 `json:"brightness"`
	Color      Color   `json:"color"`
	Mode       string  `json:"mode"`
}

// Light drives the RGB LED or the taillight.
type Light struct {
	base
	cfg LightConfig
	drv LightSetter

	on         bool
	brightness float64
	color      Color
	gen        uint64

	// confirmed is the last status the device acknowledged. settled closes
	// once the newest Set has been accounted for; outcomes are applied in
	// submission order.
	confirmed LightStatus
	settled   chan struct{}
}

func NewLight(cfg LightConfig, drv LightSetter, bus *EventBus) *Light {
	l := &Light{
		base:       newBase(cfg.Name, KindLight, bus),
		cfg:        cfg,
		drv:        drv,
		brightness: 1,
		color:      Color{R: 1, G: 1, B: 1},
	}
	l.confirmed = l.statusLocked()
	return l
}

// Mode returns which LED the light drives.
func (l *Light) Mode() driver.LightMode { return l.cfg.Mode }

// Set applies cmd, publishes the requested state at once and sends the
// device value. If the command fails while it is still the latest one, the
// entity reverts to the last state the device acknowledged.
func (l *Light) Set(cmd LightCommand) *driver.Pending {
	l.mu.Lock()
	if cmd.State != nil {
		l.on = *cmd.State
	}
	if cmd.Brightness != nil {
		l.brightness = clamp01(*cmd.Brightness)
	}
	if cmd.Color != nil {
		l.color = Color{R: clamp01(cmd.Color.R), G: clamp01(cmd.Color.G), B: clamp01(cmd.Color.B)}
	}
	if cmd.Brightness != nil && cmd.State == nil && *cmd.Brightness > 0 {
		l.on = true
	}
	l.gen++
	gen := l.gen
	value := l.deviceValueLocked()
	next := l.statusLocked()
	l.updated = time.Now()
	before, settled := l.settled, make(chan struct{})
	l.settled = settled
	l.mu.Unlock()

	transition := l.cfg.DefaultTransition
	if cmd.Transition != nil {
		transition = *cmd.Transition
	}

	l.emit(next)
	p := l.drv.SetLightState(l.cfg.Mode, value, transition)
	go func() {
		defer close(settled)
		if before != nil {
			<-before
		}
		<-p.Done()
		l.settle(gen, next, p.Err())
	}()
	return p
}

func (l *Light) settle(gen uint64, st LightStatus, err error) {
	l.mu.Lock()
	if err == nil {
		l.confirmed = st
		l.mu.Unlock()
		return
	}
	if l.gen != gen {
		// A newer Set owns the state and will settle it.
		l.mu.Unlock()
		return
	}
	back := l.confirmed
	l.on, l.brightness, l.color = back.On, back.Brightness, back.Color
	l.updated = time.Now()
	l.mu.Unlock()
	l.emit(back)
}

// Restore seeds the entity from a persisted status without sending anything.
func (l *Light) Restore(st LightStatus) {
	l.mu.Lock()
	l.on, l.brightness, l.color = st.On, clamp01(st.Brightness), st.Color
	l.confirmed = l.statusLocked()
	l.mu.Unlock()
}

// DeviceValue returns the LED value the current state maps to.
func (l *Light) DeviceValue() driver.LightValue {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.deviceValueLocked()
}

// Status returns the entity-level state.
func (l *Light) Status() LightStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.statusLocked()
}

func (l *Light) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{ID: l.id, Name: l.name, Kind: l.kind, State: l.statusLocked(), Updated: l.updated}
}

func (l *Light) statusLocked() LightStatus {
	return LightStatus{On: l.on, Brightness: l.brightness, Color: l.color, Mode: l.cfg.Mode.String()}
}

// deviceValueLocked scales colour by brightness and on state: an RGB light
// sends r*br*255 per channel, a taillight sends br*255.
func (l *Light) deviceValueLocked() driver.LightValue {
	br := l.brightness
	if !l.on {
		br = 0
	}
	if l.cfg.Mode == driver.LightTaillight {
		return driver.Level(to8(br))
	}
	return driver.RGB(to8(l.color.R*br), to8(l.color.G*br), to8(l.color.B*br))
}

func to8(v float64) uint8 {
	return uint8(math.Round(clamp01(v) * 255))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
