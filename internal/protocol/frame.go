// Package protocol implements the Sphero v1 binary packet protocol used by BB-8:
// frame codec, checksum, stream reassembly and command builders.
package protocol

import (
	"errors"
	"fmt"
)

// Start-of-packet markers.
const (
	SOP1        = 0xFF
	SOP2Answer  = 0xFF // command requests a response; also marks a simple response
	SOP2NoReply = 0xFE // command without response; also marks an async message
)

const (
	commandHeaderSize  = 6 // sop1 + sop2 + did + cid + seq + dlen
	responseHeaderSize = 5 // sop1 + sop2 + mrsp + seq + dlen
	asyncHeaderSize    = 5 // sop1 + sop2 + id + dlen(2)

	// MaxPayload is the largest DATA field a single-byte DLEN can describe.
	MaxPayload = 0xFE
)

// Kind distinguishes the three frame layouts of the protocol.
type Kind uint8

const (
	KindCommand  Kind = iota // host -> device
	KindResponse             // device -> host, answers a command by sequence
	KindAsync                // device -> host, unsolicited
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindResponse:
		return "response"
	case KindAsync:
		return "async"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one complete, checksum-verified protocol message.
type Frame struct {
	Kind Kind
	// DeviceID is the virtual device (DID) of a command.
	DeviceID uint8
	// CommandID is the CID of a command or the ID code of an async message.
	CommandID uint8
	// Sequence is set on commands and responses.
	Sequence uint8
	// Status is the MRSP code of a response (0 = OK).
	Status   uint8
	Answer   bool
	Payload  []byte
	Checksum uint8
}

// DecodeErrorKind classifies a decode failure.
type DecodeErrorKind uint8

const (
	Truncated DecodeErrorKind = iota + 1
	BadChecksum
	BadStartMarker
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case BadChecksum:
		return "bad checksum"
	case BadStartMarker:
		return "bad start marker"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is against a *DecodeError.
var (
	ErrTruncated      = errors.New("frame truncated")
	ErrBadChecksum    = errors.New("frame checksum mismatch")
	ErrBadStartMarker = errors.New("frame start marker invalid")
)

// DecodeError reports why a frame could not be decoded. Always recoverable:
// the frame is discarded and the stream continues.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "decode: " + e.Kind.String()
	}
	return "decode: " + e.Kind.String() + ": " + e.Detail
}

func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrTruncated:
		return e.Kind == Truncated
	case ErrBadChecksum:
		return e.Kind == BadChecksum
	case ErrBadStartMarker:
		return e.Kind == BadStartMarker
	}
	return false
}

func decodeErr(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Checksum returns the bitwise inverse of the modulo-256 sum of b.
func Checksum(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return ^sum
}

// Encode builds a command frame for cmd with the given sequence number.
// Payloads longer than MaxPayload are rejected by Command constructors, so
// Encode only panics on programmer error.
func Encode(cmd Command, seq uint8) []byte {
	if len(cmd.Payload) > MaxPayload {
		panic(fmt.Sprintf("protocol: payload too large: %d", len(cmd.Payload)))
	}
	sop2 := byte(SOP2NoReply)
	if !cmd.NoReply {
		sop2 = SOP2Answer
	}
	out := make([]byte, 0, commandHeaderSize+len(cmd.Payload)+1)
	out = append(out, SOP1, sop2, cmd.DeviceID, cmd.CommandID, seq, byte(len(cmd.Payload)+1))
	out = append(out, cmd.Payload...)
	return append(out, Checksum(out[2:]))
}

// EncodeResponse builds a device->host simple response. Used by the serial
// bridge loopback and by tests that play the device side.
func EncodeResponse(status, seq uint8, payload []byte) []byte {
	out := make([]byte, 0, responseHeaderSize+len(payload)+1)
	out = append(out, SOP1, SOP2Answer, status, seq, byte(len(payload)+1))
	out = append(out, payload...)
	return append(out, Checksum(out[2:]))
}

// EncodeAsync builds a device->host async message.
func EncodeAsync(id uint8, payload []byte) []byte {
	n := len(payload) + 1
	out := make([]byte, 0, asyncHeaderSize+len(payload)+1)
	out = append(out, SOP1, SOP2NoReply, id, byte(n>>8), byte(n))
	out = append(out, payload...)
	return append(out, Checksum(out[2:]))
}

// DecodeCommand decodes a complete host->device frame.
func DecodeCommand(raw []byte) (*Frame, error) {
	if err := checkStart(raw); err != nil {
		return nil, err
	}
	if len(raw) < commandHeaderSize+1 {
		return nil, decodeErr(Truncated, "need %d bytes, have %d", commandHeaderSize+1, len(raw))
	}
	dlen := int(raw[5])
	if dlen == 0 {
		return nil, decodeErr(Truncated, "zero length field")
	}
	if len(raw) != commandHeaderSize+dlen {
		return nil, decodeErr(Truncated, "length field %d, frame has %d data bytes", dlen, len(raw)-commandHeaderSize)
	}
	if err := verify(raw); err != nil {
		return nil, err
	}
	return &Frame{
		Kind:      KindCommand,
		DeviceID:  raw[2],
		CommandID: raw[3],
		Sequence:  raw[4],
		Answer:    raw[1] == SOP2Answer,
		Payload:   append([]byte(nil), raw[commandHeaderSize:len(raw)-1]...),
		Checksum:  raw[len(raw)-1],
	}, nil
}

// DecodeInbound decodes a complete device->host frame (response or async).
func DecodeInbound(raw []byte) (*Frame, error) {
	if err := checkStart(raw); err != nil {
		return nil, err
	}
	total, err := inboundLength(raw)
	if err != nil {
		return nil, err
	}
	if len(raw) < total {
		return nil, decodeErr(Truncated, "need %d bytes, have %d", total, len(raw))
	}
	if len(raw) > total {
		return nil, decodeErr(Truncated, "length field describes %d bytes, frame has %d", total, len(raw))
	}
	if err := verify(raw); err != nil {
		return nil, err
	}
	if raw[1] == SOP2Answer {
		return &Frame{
			Kind:     KindResponse,
			Status:   raw[2],
			Sequence: raw[3],
			Answer:   true,
			Payload:  append([]byte(nil), raw[responseHeaderSize:len(raw)-1]...),
			Checksum: raw[len(raw)-1],
		}, nil
	}
	return &Frame{
		Kind:      KindAsync,
		CommandID: raw[2],
		Payload:   append([]byte(nil), raw[asyncHeaderSize:len(raw)-1]...),
		Checksum:  raw[len(raw)-1],
	}, nil
}

// inboundLength returns the total frame length announced by the header of an
// inbound frame, or a Truncated error if the header itself is incomplete.
func inboundLength(raw []byte) (int, error) {
	if raw[1] == SOP2Answer {
		if len(raw) < responseHeaderSize {
			return 0, decodeErr(Truncated, "response header incomplete")
		}
		dlen := int(raw[4])
		if dlen == 0 {
			return 0, decodeErr(Truncated, "zero length field")
		}
		return responseHeaderSize + dlen, nil
	}
	if len(raw) < asyncHeaderSize {
		return 0, decodeErr(Truncated, "async header incomplete")
	}
	dlen := int(raw[3])<<8 | int(raw[4])
	if dlen == 0 {
		return 0, decodeErr(Truncated, "zero length field")
	}
	return asyncHeaderSize + dlen, nil
}

func checkStart(raw []byte) error {
	if len(raw) < 2 {
		return decodeErr(Truncated, "have %d bytes", len(raw))
	}
	if raw[0] != SOP1 || (raw[1] != SOP2Answer && raw[1] != SOP2NoReply) {
		return decodeErr(BadStartMarker, "got %02X %02X", raw[0], raw[1])
	}
	return nil
}

func verify(raw []byte) error {
	want := Checksum(raw[2 : len(raw)-1])
	if got := raw[len(raw)-1]; got != want {
		return decodeErr(BadChecksum, "got 0x%02X, want 0x%02X", got, want)
	}
	return nil
}
