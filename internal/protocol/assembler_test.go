package protocol

import (
	"bytes"
	"testing"
)

func TestAssemblerSplitChunks(t *testing.T) {
	frame := EncodeResponse(RspOK, 7, []byte{0x01, 0x02, 0x03, 0x04})
	a := NewAssembler()

	for i := 0; i < len(frame)-1; i++ {
		frames, skipped := a.Feed(frame[i : i+1])
		if len(frames) != 0 || skipped != 0 {
			t.Fatalf("byte %d: unexpected frames=%d skipped=%d", i, len(frames), skipped)
		}
	}
	frames, _ := a.Feed(frame[len(frame)-1:])
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], frame) {
		t.Errorf("frame: got % X, want % X", frames[0], frame)
	}
	if a.Buffered() != 0 {
		t.Errorf("buffered: got %d, want 0", a.Buffered())
	}
}

func TestAssemblerConcatenatedFrames(t *testing.T) {
	f1 := EncodeResponse(RspOK, 1, nil)
	f2 := EncodeAsync(AsyncPowerNotification, []byte{0x02})
	f3 := EncodeResponse(RspOK, 2, []byte{0xAA})

	var stream []byte
	stream = append(stream, f1...)
	stream = append(stream, f2...)
	stream = append(stream, f3[:3]...)

	a := NewAssembler()
	frames, _ := a.Feed(stream)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], f1) || !bytes.Equal(frames[1], f2) {
		t.Errorf("frames mismatch: % X / % X", frames[0], frames[1])
	}

	frames, _ = a.Feed(f3[3:])
	if len(frames) != 1 || !bytes.Equal(frames[0], f3) {
		t.Fatalf("tail frame: got %v", frames)
	}
}

func TestAssemblerResyncAfterGarbage(t *testing.T) {
	frame := EncodeAsync(AsyncCollision, make([]byte, 16))
	stream := append([]byte{0x00, 0x12, 0xFF, 0x34}, frame...)

	a := NewAssembler()
	frames, skipped := a.Feed(stream)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if skipped != 4 {
		t.Errorf("skipped: got %d, want 4", skipped)
	}
	if _, err := DecodeInbound(frames[0]); err != nil {
		t.Errorf("decode: %v", err)
	}
}

func TestAssemblerRejectsImplausibleAsyncLength(t *testing.T) {
	good := EncodeResponse(RspOK, 3, nil)
	// FF FE followed by a huge length must not stall the stream.
	stream := append([]byte{0xFF, 0xFE, 0x07, 0x08, 0x00}, good...)

	a := NewAssembler()
	frames, skipped := a.Feed(stream)
	if len(frames) != 1 || !bytes.Equal(frames[0], good) {
		t.Fatalf("frames: got %v", frames)
	}
	if skipped != 5 {
		t.Errorf("skipped: got %d, want 5", skipped)
	}
}

func TestAssemblerReset(t *testing.T) {
	frame := EncodeResponse(RspOK, 5, []byte{1, 2})
	a := NewAssembler()
	a.Feed(frame[:4])
	if a.Buffered() != 4 {
		t.Fatalf("buffered: got %d", a.Buffered())
	}
	a.Reset()
	if a.Buffered() != 0 {
		t.Errorf("after reset: got %d", a.Buffered())
	}
	frames, _ := a.Feed(frame)
	if len(frames) != 1 {
		t.Errorf("after reset: expected 1 frame, got %d", len(frames))
	}
}
