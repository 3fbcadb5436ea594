package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// BB-8 GATT layout. The BLE service carries the wake handshake, the control
// service carries command and response traffic.
var (
	bleServiceUUID     = mustParseUUID("22bb746f-2bb0-7554-2d6f-726568705327")
	controlServiceUUID = mustParseUUID("22bb746f-2ba0-7554-2d6f-726568705327")
	antiDOSUUID        = mustParseUUID("22bb746f-2bbd-7554-2d6f-726568705327")
	txPowerUUID        = mustParseUUID("22bb746f-2bb2-7554-2d6f-726568705327")
	wakeUUID           = mustParseUUID("22bb746f-2bbf-7554-2d6f-726568705327")
	commandsUUID       = mustParseUUID("22bb746f-2ba1-7554-2d6f-726568705327")
	responsesUUID      = mustParseUUID("22bb746f-2ba6-7554-2d6f-726568705327")
)

var (
	antiDOSUnlock = []byte("011i3")
	txPowerLevel  = []byte{0x07}
	wakeCommand   = []byte{0x01}
)

// maxWriteChunk is the ATT payload size for the default 23-byte MTU.
const maxWriteChunk = 20

const defaultSubscribeWait = 8 * time.Second

func mustParseUUID(raw string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(raw)
	if err != nil {
		panic(fmt.Sprintf("invalid bluetooth UUID %q: %v", raw, err))
	}
	return uuid
}

type bleConn struct {
	device    bluetooth.Device
	commands  bluetooth.DeviceCharacteristic
	responses bluetooth.DeviceCharacteristic

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *bleConn) markClosed() bool {
	first := false
	c.closeOnce.Do(func() {
		close(c.closed)
		first = true
	})
	return first
}

// BLE talks to the toy directly through a host Bluetooth adapter.
type BLE struct {
	callbacks

	address   string
	adapterID string
	logger    *slog.Logger

	mu      sync.Mutex
	conn    *bleConn
	writeMu sync.Mutex
}

// NewBLE creates a BLE link to address (AA:BB:CC:DD:EE:FF). An empty
// adapterID selects the default adapter.
func NewBLE(address, adapterID string, logger *slog.Logger) *BLE {
	return &BLE{
		address:   strings.TrimSpace(address),
		adapterID: strings.TrimSpace(adapterID),
		logger:    logger.With("component", "ble", "address", address),
	}
}

func (t *BLE) Name() string {
	return "ble"
}

// Connect connects, subscribes to responses and runs the wake handshake.
func (t *BLE) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}
	addr, err := ParseAddress(t.address)
	if err != nil {
		return err
	}

	adapter := resolveAdapter(t.adapterID)
	adapter.SetConnectHandler(t.connectHandler)
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.logger.Debug("connecting device")
	device, err := adapter.Connect(addr, connectionParams(ctx))
	if err != nil {
		return fmt.Errorf("connect %s: %w", t.address, err)
	}

	conn, err := t.setup(ctx, device)
	if err != nil {
		_ = device.Disconnect()
		return err
	}
	t.conn = conn
	t.logger.Info("connected")
	return nil
}

// connectionParams bounds the adapter's connect attempt by the ctx deadline.
// Without a deadline the adapter default applies.
func connectionParams(ctx context.Context) bluetooth.ConnectionParams {
	var params bluetooth.ConnectionParams
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 {
			params.ConnectionTimeout = bluetooth.NewDuration(left)
		} else {
			params.ConnectionTimeout = bluetooth.NewDuration(time.Millisecond)
		}
	}
	return params
}

func (t *BLE) setup(ctx context.Context, device bluetooth.Device) (*bleConn, error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{bleServiceUUID, controlServiceUUID})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	var bleSvc, ctrlSvc *bluetooth.DeviceService
	for i := range services {
		switch services[i].UUID() {
		case bleServiceUUID:
			bleSvc = &services[i]
		case controlServiceUUID:
			ctrlSvc = &services[i]
		}
	}
	if bleSvc == nil || ctrlSvc == nil {
		return nil, errors.New("device does not expose the BB-8 services")
	}

	wakeChars, err := bleSvc.DiscoverCharacteristics([]bluetooth.UUID{antiDOSUUID, txPowerUUID, wakeUUID})
	if err != nil || len(wakeChars) != 3 {
		return nil, fmt.Errorf("discover wake characteristics: found %d: %v", len(wakeChars), err)
	}
	ctrlChars, err := ctrlSvc.DiscoverCharacteristics([]bluetooth.UUID{commandsUUID, responsesUUID})
	if err != nil || len(ctrlChars) != 2 {
		return nil, fmt.Errorf("discover control characteristics: found %d: %v", len(ctrlChars), err)
	}

	conn := &bleConn{
		device:    device,
		commands:  ctrlChars[0],
		responses: ctrlChars[1],
		closed:    make(chan struct{}),
	}

	if err := enableNotifications(ctx, conn.responses, func(p []byte) {
		select {
		case <-conn.closed:
			return
		default:
		}
		t.emitNotify(p)
	}); err != nil {
		return nil, fmt.Errorf("subscribe to responses: %w", err)
	}

	steps := []struct {
		name string
		char bluetooth.DeviceCharacteristic
		data []byte
	}{
		{"anti-DOS", wakeChars[0], antiDOSUnlock},
		{"tx power", wakeChars[1], txPowerLevel},
		{"wake", wakeChars[2], wakeCommand},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := s.char.Write(s.data); err != nil {
			return nil, fmt.Errorf("write %s: %w", s.name, err)
		}
		t.logger.Debug("handshake step done", "step", s.name)
	}
	return conn, nil
}

// connectHandler reports unexpected disconnects of the active device.
func (t *BLE) connectHandler(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	t.mu.Lock()
	conn := t.conn
	if conn != nil && conn.device.Address.String() == device.Address.String() {
		t.conn = nil
	} else {
		conn = nil
	}
	t.mu.Unlock()

	if conn != nil && conn.markClosed() {
		t.logger.Warn("device disconnected")
		t.emitLost(errors.New("device disconnected"))
	}
}

// Disconnect tears the link down without reporting link loss.
func (t *BLE) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.markClosed()

	var errs error
	if err := conn.responses.EnableNotifications(nil); err != nil {
		errs = errors.Join(errs, fmt.Errorf("disable notifications: %w", err))
	}
	if err := conn.device.Disconnect(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("disconnect device: %w", err))
	}
	t.logger.Info("disconnected")
	return errs
}

// Write sends p to the command characteristic, split into ATT-sized chunks.
func (t *BLE) Write(ctx context.Context, p []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for off := 0; off < len(p); off += maxWriteChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+maxWriteChunk, len(p))
		if _, err := conn.commands.WriteWithoutResponse(p[off:end]); err != nil {
			return fmt.Errorf("write command: %w", err)
		}
	}
	return nil
}

// ParseAddress parses a MAC address string into a bluetooth address.
func ParseAddress(raw string) (bluetooth.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return bluetooth.Address{}, errors.New("bluetooth address is empty")
	}
	mac, err := bluetooth.ParseMAC(strings.ToUpper(trimmed))
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid bluetooth address %q: %w", trimmed, err)
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

func resolveAdapter(adapterID string) *bluetooth.Adapter {
	if adapterID == "" {
		return bluetooth.DefaultAdapter
	}
	return bluetooth.NewAdapter(adapterID)
}

// enableNotifications bounds EnableNotifications, which can hang on some
// BlueZ versions.
func enableNotifications(ctx context.Context, char bluetooth.DeviceCharacteristic, fn func([]byte)) error {
	done := make(chan error, 1)
	go func() {
		done <- char.EnableNotifications(fn)
	}()

	timer := time.NewTimer(defaultSubscribeWait)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", defaultSubscribeWait)
	}
}
