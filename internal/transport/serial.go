package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.bug.st/serial"
)

// Serial is a link through a UART BLE bridge: a microcontroller that owns
// the radio side, performs the wake handshake itself and forwards frames
// and notifications as raw bytes.
type Serial struct {
	callbacks

	portName string
	mode     *serial.Mode
	logger   *slog.Logger
	open     func(name string, mode *serial.Mode) (serial.Port, error)

	mu      sync.Mutex
	port    serial.Port
	done    chan struct{}
	writeMu sync.Mutex
}

// NewSerial creates a serial link on portName at baud.
func NewSerial(portName string, baud int, logger *slog.Logger) *Serial {
	return &Serial{
		portName: portName,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		logger: logger.With("component", "serial", "port", portName),
		open:   serial.Open,
	}
}

func (t *Serial) Name() string {
	return "serial"
}

func (t *Serial) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port, err := t.open(t.portName, t.mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.portName, err)
	}
	// USB CDC ACM bridges only forward while DTR is asserted.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	t.port = port
	t.done = make(chan struct{})
	go t.readLoop(port, t.done)
	t.logger.Info("connected")
	return nil
}

func (t *Serial) readLoop(port serial.Port, done chan struct{}) {
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			t.emitNotify(append([]byte(nil), buf[:n]...))
		}
		if err == nil {
			continue
		}

		select {
		case <-done:
			return
		default:
		}
		t.logger.Error("serial read error", "err", err)
		t.mu.Lock()
		if t.port == port {
			t.port = nil
			close(done)
		}
		t.mu.Unlock()
		_ = port.Close()
		t.emitLost(fmt.Errorf("read %s: %w", t.portName, err))
		return
	}
}

// Disconnect closes the port. The read loop exits without reporting loss.
func (t *Serial) Disconnect() error {
	t.mu.Lock()
	port := t.port
	if port != nil {
		t.port = nil
		close(t.done)
	}
	t.mu.Unlock()
	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil {
		return fmt.Errorf("close %s: %w", t.portName, err)
	}
	t.logger.Info("disconnected")
	return nil
}

func (t *Serial) Write(ctx context.Context, p []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := port.Write(p); err != nil {
		return fmt.Errorf("write %s: %w", t.portName, err)
	}
	return nil
}
