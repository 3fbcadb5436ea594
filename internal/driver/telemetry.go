package driver

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"bb8-bridge/internal/protocol"
)

// Event is a decoded telemetry value. It is one of BatteryLevel, Collision,
// CollisionCleared, ChargingStatus, FirmwareVersion or ConnectionStatus.
type Event interface {
	event()
}

// BatteryLevel is the battery charge in percent, 0 to 100.
type BatteryLevel struct {
	Percent float64
}

// Collision is reported by the on-device collision detector.
type Collision struct {
	Speed     float64
	Magnitude float64

	X, Y, Z    int16
	Axis       uint8
	XMagnitude uint16
	YMagnitude uint16
	Timestamp  uint32
}

// CollisionCleared marks the end of the collision hold period.
type CollisionCleared struct{}

// ChargingStatus is the power state reported by the device.
type ChargingStatus uint8

const (
	ChargingUnknown ChargingStatus = 0x00
	Charging        ChargingStatus = 0x01
	BatteryOK       ChargingStatus = 0x02
	BatteryLow      ChargingStatus = 0x03
	BatteryCritical ChargingStatus = 0x04
)

func (c ChargingStatus) String() string {
	switch c {
	case Charging:
		return "Charging"
	case BatteryOK:
		return "OK"
	case BatteryLow:
		return "Low"
	case BatteryCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// FirmwareVersion is decoded from the GET_VERSIONING response.
type FirmwareVersion struct {
	Model      uint8
	Hardware   uint8
	Major      uint8
	Minor      uint8
	Bootloader uint8
	API        string
}

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ConnectionStatus reports a connection state change.
type ConnectionStatus struct {
	State ConnState
}

func (BatteryLevel) event()     {}
func (Collision) event()        {}
func (CollisionCleared) event() {}
func (ChargingStatus) event()   {}
func (FirmwareVersion) event()  {}
func (ConnectionStatus) event() {}

// TelemetryConfig holds the async ids and scale factors used to decode
// telemetry. Zero fields take the defaults from DefaultTelemetryConfig.
type TelemetryConfig struct {
	PowerID     uint8
	CollisionID uint8
	BatteryID   uint8

	SpeedScale     float64
	MagnitudeScale float64

	BatteryMinVolts float64
	BatteryMaxVolts float64
}

// DefaultTelemetryConfig matches BB-8 firmware as observed.
var DefaultTelemetryConfig = TelemetryConfig{
	PowerID:         protocol.AsyncPowerNotification,
	CollisionID:     protocol.AsyncCollision,
	BatteryID:       0x21,
	SpeedScale:      1.0,
	MagnitudeScale:  1.0,
	BatteryMinVolts: 3.4,
	BatteryMaxVolts: 4.2,
}

func (c TelemetryConfig) withDefaults() TelemetryConfig {
	d := DefaultTelemetryConfig
	if c.PowerID == 0 {
		c.PowerID = d.PowerID
	}
	if c.CollisionID == 0 {
		c.CollisionID = d.CollisionID
	}
	if c.BatteryID == 0 {
		c.BatteryID = d.BatteryID
	}
	if c.SpeedScale == 0 {
		c.SpeedScale = d.SpeedScale
	}
	if c.MagnitudeScale == 0 {
		c.MagnitudeScale = d.MagnitudeScale
	}
	if c.BatteryMinVolts == 0 && c.BatteryMaxVolts == 0 {
		c.BatteryMinVolts, c.BatteryMaxVolts = d.BatteryMinVolts, d.BatteryMaxVolts
	}
	return c
}

const collisionPayloadSize = 16

// TelemetryDecoder turns async frames and query responses into events.
type TelemetryDecoder struct {
	cfg    TelemetryConfig
	logger *slog.Logger
}

// NewTelemetryDecoder creates a decoder; zero config fields take defaults.
func NewTelemetryDecoder(cfg TelemetryConfig, logger *slog.Logger) *TelemetryDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelemetryDecoder{cfg: cfg.withDefaults(), logger: logger}
}

// DecodeAsync classifies an unsolicited frame. ok is false for unknown ids
// and malformed payloads, which are logged and dropped.
func (d *TelemetryDecoder) DecodeAsync(f *protocol.Frame) (ev Event, ok bool) {
	p := f.Payload
	switch f.CommandID {
	case d.cfg.BatteryID:
		if len(p) < 1 {
			break
		}
		return BatteryLevel{Percent: float64(p[0]) * 100 / 255}, true
	case d.cfg.PowerID:
		if len(p) < 1 {
			break
		}
		return ChargingStatus(p[0]), true
	case d.cfg.CollisionID:
		if len(p) < collisionPayloadSize {
			break
		}
		return d.collision(p), true
	default:
		d.logger.Debug("ignoring async message", "id", protocol.AsyncName(f.CommandID), "len", len(p))
		return nil, false
	}
	d.logger.Warn("short async payload", "id", protocol.AsyncName(f.CommandID), "len", len(p))
	return nil, false
}

func (d *TelemetryDecoder) collision(p []byte) Collision {
	c := Collision{
		X:          int16(binary.BigEndian.Uint16(p[0:2])),
		Y:          int16(binary.BigEndian.Uint16(p[2:4])),
		Z:          int16(binary.BigEndian.Uint16(p[4:6])),
		Axis:       p[6],
		XMagnitude: binary.BigEndian.Uint16(p[7:9]),
		YMagnitude: binary.BigEndian.Uint16(p[9:11]),
		Timestamp:  binary.BigEndian.Uint32(p[12:16]),
	}
	c.Speed = float64(p[11]) * d.cfg.SpeedScale
	c.Magnitude = math.Hypot(float64(c.XMagnitude), float64(c.YMagnitude)) * d.cfg.MagnitudeScale
	return c
}

// DecodeResponse extracts events from the payload of an acknowledged query.
func (d *TelemetryDecoder) DecodeResponse(op protocol.Opcode, p []byte) []Event {
	switch op {
	case protocol.OpGetVersion:
		// RECV MDL HW MSA-ver MSA-rev BL BAS MACRO API-maj API-min
		if len(p) < 5 {
			d.logger.Warn("short versioning response", "len", len(p))
			return nil
		}
		v := FirmwareVersion{Model: p[1], Hardware: p[2], Major: p[3], Minor: p[4]}
		if len(p) >= 6 {
			v.Bootloader = p[5]
		}
		if len(p) >= 10 {
			v.API = fmt.Sprintf("%d.%d", p[8], p[9])
		}
		return []Event{v}
	case protocol.OpGetPowerState:
		// RecVer PowerState BattVoltage(2) NumCharges(2) TimeSinceChg(2)
		if len(p) < 4 {
			d.logger.Warn("short power state response", "len", len(p))
			return nil
		}
		volts := float64(binary.BigEndian.Uint16(p[2:4])) / 100
		return []Event{ChargingStatus(p[1]), BatteryLevel{Percent: d.voltsToPercent(volts)}}
	}
	return nil
}

func (d *TelemetryDecoder) voltsToPercent(v float64) float64 {
	lo, hi := d.cfg.BatteryMinVolts, d.cfg.BatteryMaxVolts
	if hi <= lo {
		return 0
	}
	pct := (v - lo) / (hi - lo) * 100
	return math.Max(0, math.Min(100, pct))
}
