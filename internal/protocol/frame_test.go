package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeSetRGB(t *testing.T) {
	cmd, err := CommandFor(OpSetColor, []byte{0xFF, 0x00, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	got := Encode(cmd, 0)
	want := []byte{0xFF, 0xFF, 0x02, 0x20, 0x00, 0x05, 0xFF, 0x00, 0x00, 0x00, 0xD2}
	if !bytes.Equal(got, want) {
		t.Errorf("encode: got % X, want % X", got, want)
	}
}

func TestEncodePing(t *testing.T) {
	cmd, err := CommandFor(OpPing, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := Encode(cmd, 1)
	want := []byte{0xFF, 0xFF, 0x00, 0x01, 0x01, 0x01, 0xFC}
	if !bytes.Equal(got, want) {
		t.Errorf("encode: got % X, want % X", got, want)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		op      Opcode
		payload []byte
	}{
		{"ping", OpPing, nil},
		{"version", OpGetVersion, nil},
		{"power state", OpGetPowerState, nil},
		{"power notify", OpSetPowerNotify, []byte{0x01}},
		{"rgb", OpSetColor, []byte{0x10, 0x20, 0x30}},
		{"rgb saturated", OpSetColor, []byte{0xFF, 0xFF, 0xFF}},
		{"rgb persistent", OpSetColor, []byte{0x10, 0x20, 0x30, 0x01}},
		{"taillight", OpSetTaillight, []byte{0x80}},
		{"center head", OpCenterHead, []byte{0x00, 0x00}},
		{"sleep", OpSleep, []byte{0, 0, 0, 0, 0}},
		{"collisions", OpConfigureCollisions, DefaultCollisionConfig.Payload()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := CommandFor(tt.op, tt.payload)
			if err != nil {
				t.Fatalf("command: %v", err)
			}
			for _, seq := range []uint8{0, 1, 0x7F, 0xFF} {
				raw := Encode(cmd, seq)
				op, payload, err := DecodeOp(raw)
				if err != nil {
					t.Fatalf("seq %d: decode: %v", seq, err)
				}
				if op != tt.op {
					t.Errorf("seq %d: opcode %s, want %s", seq, op, tt.op)
				}
				if !bytes.Equal(payload, tt.payload) {
					t.Errorf("seq %d: payload % X, want % X", seq, payload, tt.payload)
				}

				f, err := DecodeCommand(raw)
				if err != nil {
					t.Fatal(err)
				}
				if f.Sequence != seq || !f.Answer {
					t.Errorf("seq %d: frame %+v", seq, f)
				}
			}
		})
	}
}

func TestDecodeOpUnknownCommand(t *testing.T) {
	raw := Encode(Command{DeviceID: 0x02, CommandID: 0x55}, 3)
	if _, _, err := DecodeOp(raw); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("got %v, want ErrUnknownCommand", err)
	}
	raw[len(raw)-1]++
	if _, _, err := DecodeOp(raw); !errors.Is(err, ErrBadChecksum) {
		t.Errorf("got %v, want ErrBadChecksum", err)
	}
}

func TestOpcodeForCoversFramedOpcodes(t *testing.T) {
	for op := range opcodeNames {
		cmd, err := CommandFor(op, nil)
		if errors.Is(err, ErrNoFrame) {
			continue
		}
		if err != nil {
			// Opcodes without a default payload; use the table entry instead.
			switch op {
			case OpSetColor:
				cmd, _ = CommandFor(op, []byte{0, 0, 0})
			case OpSetTaillight:
				cmd, _ = CommandFor(op, []byte{0})
			case OpConfigureCollisions:
				cmd, _ = CommandFor(op, DefaultCollisionConfig.Payload())
			default:
				t.Fatalf("%s: %v", op, err)
			}
		}
		if got, ok := OpcodeFor(cmd.DeviceID, cmd.CommandID); !ok || got != op {
			t.Errorf("%s: OpcodeFor = %s, %t", op, got, ok)
		}
	}
}

func TestRoundTripAllPayloadLengths(t *testing.T) {
	for n := 0; n <= MaxPayload; n++ {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i*7 + n)
		}
		cmd := Command{DeviceID: 0x02, CommandID: 0x55, Payload: payload}
		f, err := DecodeCommand(Encode(cmd, uint8(n)))
		if err != nil {
			t.Fatalf("len %d: %v", n, err)
		}
		if !bytes.Equal(f.Payload, payload) && n > 0 {
			t.Fatalf("len %d: payload mismatch", n)
		}
	}
}

func TestChecksumCorruptionDetected(t *testing.T) {
	cmd, _ := CommandFor(OpSetColor, []byte{1, 2, 3})
	raw := Encode(cmd, 9)
	for delta := 1; delta < 256; delta++ {
		bad := append([]byte(nil), raw...)
		bad[len(bad)-1] += byte(delta)
		_, err := DecodeCommand(bad)
		if !errors.Is(err, ErrBadChecksum) {
			t.Fatalf("delta %d: got %v, want bad checksum", delta, err)
		}
	}
}

func TestBodyCorruptionDetected(t *testing.T) {
	raw := EncodeResponse(RspOK, 4, []byte{0x01, 0x02, 0x03})
	// Flip a data byte: the checksum no longer matches.
	raw[6] ^= 0x40
	_, err := DecodeInbound(raw)
	if !errors.Is(err, ErrBadChecksum) {
		t.Fatalf("got %v, want bad checksum", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	good := EncodeResponse(RspOK, 1, []byte{0xAA})
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"one byte", []byte{0xFF}, ErrTruncated},
		{"bad sop1", []byte{0x00, 0xFF, 0x00, 0x01, 0x01, 0xFD}, ErrBadStartMarker},
		{"bad sop2", []byte{0xFF, 0x00, 0x00, 0x01, 0x01, 0xFD}, ErrBadStartMarker},
		{"short header", []byte{0xFF, 0xFF, 0x00}, ErrTruncated},
		{"short body", good[:len(good)-1], ErrTruncated},
		{"extra bytes", append(append([]byte(nil), good...), 0x00), ErrTruncated},
		{"zero dlen", []byte{0xFF, 0xFF, 0x00, 0x01, 0x00}, ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInbound(tt.raw)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("error %T is not a *DecodeError", err)
			}
		})
	}
}

func TestDecodeInboundResponse(t *testing.T) {
	raw := EncodeResponse(RspBadParam, 0x42, []byte{0x01, 0x02})
	f, err := DecodeInbound(raw)
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != KindResponse {
		t.Errorf("kind: got %s, want response", f.Kind)
	}
	if f.Sequence != 0x42 {
		t.Errorf("seq: got %d", f.Sequence)
	}
	if f.Status != RspBadParam {
		t.Errorf("status: got %s", ResponseName(f.Status))
	}
	if !bytes.Equal(f.Payload, []byte{0x01, 0x02}) {
		t.Errorf("payload: got % X", f.Payload)
	}
}

func TestDecodeInboundAsync(t *testing.T) {
	payload := make([]byte, 300)
	payload[299] = 0x99
	raw := EncodeAsync(AsyncCollision, payload)
	if raw[3] != 0x01 || raw[4] != 0x2D {
		t.Fatalf("dlen: got %02X %02X, want 01 2D", raw[3], raw[4])
	}
	f, err := DecodeInbound(raw)
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != KindAsync || f.CommandID != AsyncCollision {
		t.Errorf("got kind %s id 0x%02X", f.Kind, f.CommandID)
	}
	if len(f.Payload) != 300 || f.Payload[299] != 0x99 {
		t.Errorf("payload mismatch, len %d", len(f.Payload))
	}
}

func TestCommandForValidation(t *testing.T) {
	if _, err := CommandFor(OpConnect, nil); !errors.Is(err, ErrNoFrame) {
		t.Errorf("connect: got %v, want ErrNoFrame", err)
	}
	if _, err := CommandFor(OpSetColor, []byte{1, 2}); err == nil {
		t.Error("expected error for short RGB payload")
	}
	if _, err := CommandFor(OpSetTaillight, nil); err == nil {
		t.Error("expected error for missing taillight payload")
	}
	cmd, err := CommandFor(OpCenterHead, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cmd.Payload, []byte{0, 0}) {
		t.Errorf("center head default payload: % X", cmd.Payload)
	}
}

func TestParseOpcode(t *testing.T) {
	for op, name := range opcodeNames {
		got, err := ParseOpcode(" " + name + " ")
		if err != nil || got != op {
			t.Errorf("ParseOpcode(%q) = %v, %v", name, got, err)
		}
	}
	if got, err := ParseOpcode("center_head"); err != nil || got != OpCenterHead {
		t.Errorf("lower case: %v, %v", got, err)
	}
	if _, err := ParseOpcode("FLY"); err == nil {
		t.Error("expected error for unknown opcode")
	}
}

func FuzzDecodeInbound(f *testing.F) {
	f.Add(EncodeResponse(RspOK, 1, []byte{1, 2, 3}))
	f.Add(EncodeAsync(AsyncPowerNotification, []byte{0x02}))
	f.Add([]byte{0xFF, 0xFE, 0x07, 0xFF, 0xFF})
	f.Fuzz(func(t *testing.T, data []byte) {
		// Must never panic; any error must be a DecodeError.
		_, err := DecodeInbound(data)
		if err != nil {
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("unexpected error type %T", err)
			}
		}
	})
}
