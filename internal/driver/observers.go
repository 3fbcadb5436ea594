package driver

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Channel identifies one telemetry feed. Each channel has at most one observer.
type Channel uint8

const (
	ChannelBattery Channel = iota
	ChannelCollisionSpeed
	ChannelCollisionMagnitude
	ChannelCollision
	ChannelStatus
	ChannelVersion
	ChannelCharging

	numChannels
)

var channelNames = [numChannels]string{
	ChannelBattery:            "battery",
	ChannelCollisionSpeed:     "collision_speed",
	ChannelCollisionMagnitude: "collision_magnitude",
	ChannelCollision:          "collision",
	ChannelStatus:             "status",
	ChannelVersion:            "version",
	ChannelCharging:           "charging",
}

func (c Channel) String() string {
	if c < numChannels {
		return channelNames[c]
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// ParseChannel resolves a channel by its config name.
func ParseChannel(s string) (Channel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range channelNames {
		if name == s {
			return Channel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown telemetry channel %q", s)
}

// Reading is the value delivered to an observer. Numeric channels fill
// Number, the collision channel fills Bool and text channels fill Text.
type Reading struct {
	Channel Channel
	Number  float64
	Bool    bool
	Text    string
}

// Observer receives readings for one channel. It runs on the session
// goroutine and must not block or call back into the session synchronously.
type Observer func(Reading)

// Registry maps each telemetry channel to zero or one observer.
type Registry struct {
	mu     sync.RWMutex
	slots  [numChannels]Observer
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger.With("component", "observers")}
}

// Register installs obs for ch, replacing any previous observer.
// A nil obs clears the slot.
func (r *Registry) Register(ch Channel, obs Observer) {
	if ch >= numChannels {
		return
	}
	r.mu.Lock()
	r.slots[ch] = obs
	r.mu.Unlock()
}

// Publish routes an event to the observers of the channels it feeds.
func (r *Registry) Publish(ev Event) {
	switch e := ev.(type) {
	case BatteryLevel:
		r.deliver(Reading{Channel: ChannelBattery, Number: e.Percent})
	case Collision:
		r.deliver(Reading{Channel: ChannelCollisionSpeed, Number: e.Speed})
		r.deliver(Reading{Channel: ChannelCollisionMagnitude, Number: e.Magnitude})
		r.deliver(Reading{Channel: ChannelCollision, Bool: true})
	case CollisionCleared:
		r.deliver(Reading{Channel: ChannelCollision, Bool: false})
	case ChargingStatus:
		r.deliver(Reading{Channel: ChannelCharging, Text: e.String()})
	case FirmwareVersion:
		r.deliver(Reading{Channel: ChannelVersion, Text: e.String()})
	case ConnectionStatus:
		r.deliver(Reading{Channel: ChannelStatus, Text: e.State.String()})
	}
}

func (r *Registry) deliver(rd Reading) {
	r.mu.RLock()
	obs := r.slots[rd.Channel]
	r.mu.RUnlock()
	if obs == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("observer panic", "channel", rd.Channel, "panic", p)
		}
	}()
	obs(rd)
}
