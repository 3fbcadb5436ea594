package entity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bb8-bridge/internal/driver"
	"bb8-bridge/internal/protocol"
)

// ButtonType selects what a button press submits.
type ButtonType string

const (
	ButtonConnect    ButtonType = "CONNECT"
	ButtonDisconnect ButtonType = "DISCONNECT"
	ButtonCenterHead ButtonType = "CENTER_HEAD"
	ButtonSleep      ButtonType = "SLEEP"
)

// ParseButtonType accepts a button type case-insensitively.
func ParseButtonType(s string) (ButtonType, error) {
	t := ButtonType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case ButtonConnect, ButtonDisconnect, ButtonCenterHead, ButtonSleep:
		return t, nil
	}
	return "", fmt.Errorf("unknown button type %q", s)
}

func (t ButtonType) opcode() protocol.Opcode {
	switch t {
	case ButtonConnect:
		return protocol.OpConnect
	case ButtonDisconnect:
		return protocol.OpDisconnect
	case ButtonSleep:
		return protocol.OpSleep
	default:
		return protocol.OpCenterHead
	}
}

// Submitter is the driver surface a button needs.
type Submitter interface {
	Submit(op protocol.Opcode, payload []byte) *driver.Pending
}

// Button submits one fixed command when pressed.
type Button struct {
	base
	typ ButtonType
	drv Submitter

	lastErr string
}

func NewButton(name string, typ ButtonType, drv Submitter, bus *EventBus) *Button {
	return &Button{base: newBase(name, KindButton, bus), typ: typ, drv: drv}
}

func (b *Button) Type() ButtonType { return b.typ }

// Press submits the button's command and waits for it to resolve.
func (b *Button) Press(ctx context.Context) error {
	err := b.drv.Submit(b.typ.opcode(), nil).Wait(ctx)

	press := ButtonPress{ID: b.id, Type: b.typ}
	if err != nil {
		press.Error = err.Error()
	}
	b.mu.Lock()
	b.lastErr = press.Error
	b.updated = time.Now()
	b.mu.Unlock()

	if b.bus != nil {
		b.bus.Emit(Event{Type: EventButtonPressed, Data: press})
	}
	return err
}

func (b *Button) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := Snapshot{ID: b.id, Name: b.name, Kind: b.kind, Updated: b.updated,
		Attributes: map[string]any{"type": b.typ}}
	if b.lastErr != "" {
		snap.Attributes["last_error"] = b.lastErr
	}
	return snap
}
