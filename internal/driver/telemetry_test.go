package driver

import (
	"encoding/binary"
	"log/slog"
	"math"
	"os"
	"testing"

	"bb8-bridge/internal/protocol"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDecodeBatteryAsync(t *testing.T) {
	d := NewTelemetryDecoder(TelemetryConfig{}, newTestLogger())
	f := &protocol.Frame{Kind: protocol.KindAsync, CommandID: 0x21, Payload: []byte{200}}

	ev, ok := d.DecodeAsync(f)
	if !ok {
		t.Fatal("battery frame not decoded")
	}
	b, ok := ev.(BatteryLevel)
	if !ok {
		t.Fatalf("got %T, want BatteryLevel", ev)
	}
	if math.Abs(b.Percent-78.43) > 0.01 {
		t.Errorf("percent: got %.2f, want ~78.43", b.Percent)
	}
}

func TestDecodeBatteryBounds(t *testing.T) {
	d := NewTelemetryDecoder(TelemetryConfig{}, newTestLogger())
	for _, tt := range []struct {
		raw  byte
		want float64
	}{{0, 0}, {255, 100}} {
		ev, _ := d.DecodeAsync(&protocol.Frame{CommandID: 0x21, Payload: []byte{tt.raw}})
		if got := ev.(BatteryLevel).Percent; got != tt.want {
			t.Errorf("raw %d: got %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestDecodeCollision(t *testing.T) {
	d := NewTelemetryDecoder(TelemetryConfig{SpeedScale: 0.5, MagnitudeScale: 2}, newTestLogger())

	p := make([]byte, 16)
	binary.BigEndian.PutUint16(p[0:2], uint16(0xFFF6)) // X = -10
	binary.BigEndian.PutUint16(p[2:4], 20)
	binary.BigEndian.PutUint16(p[4:6], 30)
	p[6] = 0x01
	binary.BigEndian.PutUint16(p[7:9], 3)
	binary.BigEndian.PutUint16(p[9:11], 4)
	p[11] = 80
	binary.BigEndian.PutUint32(p[12:16], 123456)

	ev, ok := d.DecodeAsync(&protocol.Frame{CommandID: protocol.AsyncCollision, Payload: p})
	if !ok {
		t.Fatal("collision not decoded")
	}
	c := ev.(Collision)
	if c.X != -10 || c.Y != 20 || c.Z != 30 || c.Axis != 1 {
		t.Errorf("axes: %+v", c)
	}
	if c.Speed != 40 {
		t.Errorf("speed: got %v, want 40", c.Speed)
	}
	if c.Magnitude != 10 {
		t.Errorf("magnitude: got %v, want 10", c.Magnitude)
	}
	if c.Timestamp != 123456 {
		t.Errorf("timestamp: got %d", c.Timestamp)
	}
}

func TestDecodeAsyncDropsUnknownAndShort(t *testing.T) {
	d := NewTelemetryDecoder(TelemetryConfig{}, newTestLogger())
	tests := []struct {
		name string
		f    protocol.Frame
	}{
		{"unknown id", protocol.Frame{CommandID: 0x42, Payload: []byte{1}}},
		{"short collision", protocol.Frame{CommandID: protocol.AsyncCollision, Payload: make([]byte, 10)}},
		{"empty battery", protocol.Frame{CommandID: 0x21}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ev, ok := d.DecodeAsync(&tt.f); ok {
				t.Errorf("expected drop, got %#v", ev)
			}
		})
	}
}

func TestDecodeConfigurableBatteryID(t *testing.T) {
	d := NewTelemetryDecoder(TelemetryConfig{BatteryID: 0x30}, newTestLogger())
	if _, ok := d.DecodeAsync(&protocol.Frame{CommandID: 0x30, Payload: []byte{10}}); !ok {
		t.Error("custom battery id not decoded")
	}
	if _, ok := d.DecodeAsync(&protocol.Frame{CommandID: 0x21, Payload: []byte{10}}); ok {
		t.Error("default battery id should no longer match")
	}
}

func TestDecodePowerNotification(t *testing.T) {
	d := NewTelemetryDecoder(TelemetryConfig{}, newTestLogger())
	ev, ok := d.DecodeAsync(&protocol.Frame{CommandID: protocol.AsyncPowerNotification, Payload: []byte{0x01}})
	if !ok || ev.(ChargingStatus) != Charging {
		t.Fatalf("got %v, %v", ev, ok)
	}
	if Charging.String() != "Charging" {
		t.Errorf("string: %s", Charging)
	}
}

func TestDecodeVersionResponse(t *testing.T) {
	d := NewTelemetryDecoder(TelemetryConfig{}, newTestLogger())
	evs := d.DecodeResponse(protocol.OpGetVersion, []byte{0x02, 0x30, 0x07, 3, 59, 0x41, 0x34, 0x05, 1, 2})
	if len(evs) != 1 {
		t.Fatalf("got %d events", len(evs))
	}
	v := evs[0].(FirmwareVersion)
	if v.String() != "3.59" || v.Model != 0x30 || v.API != "1.2" {
		t.Errorf("version: %+v", v)
	}
}

func TestDecodePowerStateResponse(t *testing.T) {
	d := NewTelemetryDecoder(TelemetryConfig{}, newTestLogger())
	p := []byte{0x01, 0x02, 0, 0, 0, 5, 0, 60}
	binary.BigEndian.PutUint16(p[2:4], 380) // 3.80 V
	evs := d.DecodeResponse(protocol.OpGetPowerState, p)
	if len(evs) != 2 {
		t.Fatalf("got %d events", len(evs))
	}
	if evs[0].(ChargingStatus) != BatteryOK {
		t.Errorf("status: %v", evs[0])
	}
	if pct := evs[1].(BatteryLevel).Percent; math.Abs(pct-50) > 0.01 {
		t.Errorf("percent: got %v, want 50", pct)
	}

	binary.BigEndian.PutUint16(p[2:4], 500)
	if pct := d.DecodeResponse(protocol.OpGetPowerState, p)[1].(BatteryLevel).Percent; pct != 100 {
		t.Errorf("clamped percent: got %v", pct)
	}
}

func TestDecodeResponseOtherOpcodes(t *testing.T) {
	d := NewTelemetryDecoder(TelemetryConfig{}, newTestLogger())
	if evs := d.DecodeResponse(protocol.OpPing, nil); evs != nil {
		t.Errorf("ping: got %v", evs)
	}
	if evs := d.DecodeResponse(protocol.OpGetVersion, []byte{1, 2}); evs != nil {
		t.Errorf("short version: got %v", evs)
	}
}
