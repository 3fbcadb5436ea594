package driver

import (
	"fmt"
	"math"
	"strings"
	"time"

	"bb8-bridge/internal/protocol"
)

// LightMode selects which LED a light state drives.
type LightMode uint8

const (
	LightRGB LightMode = iota
	LightTaillight

	numLightModes
)

func (m LightMode) String() string {
	switch m {
	case LightRGB:
		return "RGB"
	case LightTaillight:
		return "TAILLIGHT"
	default:
		return fmt.Sprintf("LightMode(%d)", uint8(m))
	}
}

// ParseLightMode accepts RGB or TAILLIGHT, case-insensitively.
func ParseLightMode(s string) (LightMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RGB":
		return LightRGB, nil
	case "TAILLIGHT":
		return LightTaillight, nil
	}
	return 0, fmt.Errorf("unknown light type %q", s)
}

// LightValue is a device-level LED setting. RGB mode uses R, G and B;
// taillight mode uses Level.
type LightValue struct {
	R, G, B uint8
	Level   uint8
}

// RGB builds an RGB light value.
func RGB(r, g, b uint8) LightValue {
	return LightValue{R: r, G: g, B: b}
}

// Level builds a taillight brightness value.
func Level(v uint8) LightValue {
	return LightValue{Level: v}
}

func (v LightValue) String() string {
	return fmt.Sprintf("rgb(%d,%d,%d) level=%d", v.R, v.G, v.B, v.Level)
}

// LightState is the last requested state for one LED.
type LightState struct {
	Mode       LightMode
	Value      LightValue
	Transition time.Duration
}

func (m LightMode) Opcode() protocol.Opcode {
	if m == LightTaillight {
		return protocol.OpSetTaillight
	}
	return protocol.OpSetColor
}

func (m LightMode) command(v LightValue) protocol.Command {
	var payload []byte
	if m == LightTaillight {
		payload = []byte{v.Level}
	} else {
		payload = []byte{v.R, v.G, v.B}
	}
	cmd, _ := protocol.CommandFor(m.Opcode(), payload)
	return cmd
}

// lightModeFor maps a raw light opcode and its payload to a light value.
func lightModeFor(op protocol.Opcode, payload []byte) (LightMode, LightValue, bool) {
	switch op {
	case protocol.OpSetColor:
		if len(payload) >= 3 {
			return LightRGB, RGB(payload[0], payload[1], payload[2]), true
		}
	case protocol.OpSetTaillight:
		if len(payload) == 1 {
			return LightTaillight, Level(payload[0]), true
		}
	}
	return 0, LightValue{}, false
}

func interpolate(from, to LightValue, frac float64) LightValue {
	lerp := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a) + (float64(b)-float64(a))*frac))
	}
	return LightValue{
		R:     lerp(from.R, to.R),
		G:     lerp(from.G, to.G),
		B:     lerp(from.B, to.B),
		Level: lerp(from.Level, to.Level),
	}
}

// transition steps one LED from one value to another over time. Only the
// final command carries rollback.
type transition struct {
	mode   LightMode
	from   LightValue
	to     LightValue
	start  time.Time
	length time.Duration
	final  *request
	timer  *time.Timer
}

// lightRollback ties a light request to the state it set. gen is the
// per-mode request counter at submission; on failure the light returns to
// its last confirmed state only if no newer request has replaced it.
type lightRollback struct {
	mode  LightMode
	gen   uint64
	state LightState
}
