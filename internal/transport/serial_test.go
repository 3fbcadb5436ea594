package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// pipePort is a serial.Port backed by an in-memory pipe. Only the methods the
// link uses are implemented.
type pipePort struct {
	serial.Port

	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *pipePort) SetDTR(bool) error          { return nil }
func (p *pipePort) SetRTS(bool) error          { return nil }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

func newTestSerial(port *pipePort) *Serial {
	s := NewSerial("/dev/ttyFAKE", 115200, testLogger())
	s.open = func(string, *serial.Mode) (serial.Port, error) { return port, nil }
	return s
}

func TestSerialForwardsNotifications(t *testing.T) {
	port := newPipePort()
	s := newTestSerial(port)
	got := make(chan []byte, 1)
	s.OnNotify(func(p []byte) { got <- p })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Disconnect()

	go port.w.Write([]byte{0xFF, 0xFF, 0x00, 0x01, 0x01, 0xFD})
	select {
	case p := <-got:
		if !bytes.Equal(p, []byte{0xFF, 0xFF, 0x00, 0x01, 0x01, 0xFD}) {
			t.Errorf("got % X", p)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not forwarded")
	}
}

func TestSerialWrite(t *testing.T) {
	port := newPipePort()
	s := newTestSerial(port)
	if err := s.Write(context.Background(), []byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("write before connect: got %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Disconnect()

	if err := s.Write(context.Background(), []byte{0xAA, 0xBB}); err != nil {
		t.Fatal(err)
	}
	port.mu.Lock()
	defer port.mu.Unlock()
	if !bytes.Equal(port.written.Bytes(), []byte{0xAA, 0xBB}) {
		t.Errorf("written: % X", port.written.Bytes())
	}
}

func TestSerialReportsLinkLoss(t *testing.T) {
	port := newPipePort()
	s := newTestSerial(port)
	lost := make(chan error, 1)
	s.OnLinkLost(func(err error) { lost <- err })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	port.w.CloseWithError(errors.New("device unplugged"))

	select {
	case err := <-lost:
		if err == nil {
			t.Error("expected error")
		}
	case <-time.After(time.Second):
		t.Fatal("link loss not reported")
	}
	if err := s.Write(context.Background(), []byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("write after loss: got %v", err)
	}
}

func TestSerialDisconnectIsSilent(t *testing.T) {
	port := newPipePort()
	s := newTestSerial(port)
	lost := make(chan error, 1)
	s.OnLinkLost(func(err error) { lost <- err })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-lost:
		t.Fatalf("explicit disconnect reported as loss: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if err := s.Disconnect(); err != nil {
		t.Errorf("second disconnect: %v", err)
	}
}
