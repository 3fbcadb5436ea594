package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Virtual device IDs.
const (
	DIDCore   uint8 = 0x00
	DIDSphero uint8 = 0x02
)

// Core device command IDs.
const (
	CIDPing           uint8 = 0x01
	CIDGetVersioning  uint8 = 0x02
	CIDGetPowerState  uint8 = 0x20
	CIDSetPowerNotify uint8 = 0x21
	CIDSleep          uint8 = 0x22
)

// Sphero device command IDs.
const (
	CIDSetHeading          uint8 = 0x01
	CIDConfigureCollisions uint8 = 0x12
	CIDSetRGBLED           uint8 = 0x20
	CIDSetBackLED          uint8 = 0x21
)

// Response codes (MRSP).
const (
	RspOK          uint8 = 0x00
	RspGenError    uint8 = 0x01
	RspChecksum    uint8 = 0x02
	RspFragment    uint8 = 0x03
	RspBadCommand  uint8 = 0x04
	RspUnsupported uint8 = 0x05
	RspBadMessage  uint8 = 0x06
	RspBadParam    uint8 = 0x07
	RspExecuting   uint8 = 0x08
	RspBadDID      uint8 = 0x09
	RspPowerLow    uint8 = 0x31
	RspIllegalPage uint8 = 0x32
)

// ResponseName returns a readable name for an MRSP code.
func ResponseName(code uint8) string {
	switch code {
	case RspOK:
		return "OK"
	case RspGenError:
		return "EGEN"
	case RspChecksum:
		return "ECHKSUM"
	case RspFragment:
		return "EFRAG"
	case RspBadCommand:
		return "EBAD_CMD"
	case RspUnsupported:
		return "EUNSUPP"
	case RspBadMessage:
		return "EBAD_MSG"
	case RspBadParam:
		return "EPARAM"
	case RspExecuting:
		return "EEXEC"
	case RspBadDID:
		return "EBAD_DID"
	case RspPowerLow:
		return "POWER_NOGOOD"
	case RspIllegalPage:
		return "PAGE_ILLEGAL"
	default:
		return fmt.Sprintf("0x%02X", code)
	}
}

// Opcode is a driver-level command, some of which map onto a protocol frame.
type Opcode uint8

const (
	OpConnect Opcode = iota + 1
	OpDisconnect
	OpPing
	OpGetVersion
	OpGetPowerState
	OpSetPowerNotify
	OpSleep
	OpCenterHead
	OpSetColor
	OpSetTaillight
	OpConfigureCollisions
)

var opcodeNames = map[Opcode]string{
	OpConnect:             "CONNECT",
	OpDisconnect:          "DISCONNECT",
	OpPing:                "PING",
	OpGetVersion:          "GET_VERSION",
	OpGetPowerState:       "GET_POWER_STATE",
	OpSetPowerNotify:      "SET_POWER_NOTIFY",
	OpSleep:               "SLEEP",
	OpCenterHead:          "CENTER_HEAD",
	OpSetColor:            "SET_COLOR",
	OpSetTaillight:        "SET_TAILLIGHT",
	OpConfigureCollisions: "CONFIGURE_COLLISIONS",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(%d)", uint8(o))
}

// ParseOpcode resolves a case-insensitive opcode name.
func ParseOpcode(s string) (Opcode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for op, name := range opcodeNames {
		if name == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown opcode %q", s)
}

// ErrNoFrame is returned for opcodes handled by the link itself.
var ErrNoFrame = errors.New("opcode has no protocol frame")

// Command is an encodable request addressed to a virtual device.
type Command struct {
	DeviceID  uint8
	CommandID uint8
	Payload   []byte
	NoReply   bool
}

// CommandFor maps an opcode and its payload onto a protocol command,
// validating payload length and filling defaults for optional payloads.
func CommandFor(op Opcode, payload []byte) (Command, error) {
	switch op {
	case OpConnect, OpDisconnect:
		return Command{}, fmt.Errorf("%s: %w", op, ErrNoFrame)
	case OpPing:
		return fixed(DIDCore, CIDPing, op, payload, 0, nil)
	case OpGetVersion:
		return fixed(DIDCore, CIDGetVersioning, op, payload, 0, nil)
	case OpGetPowerState:
		return fixed(DIDCore, CIDGetPowerState, op, payload, 0, nil)
	case OpSetPowerNotify:
		return fixed(DIDCore, CIDSetPowerNotify, op, payload, 1, []byte{0x01})
	case OpSleep:
		// wakeup(2) + macro(1) + orbBasic line(2); zero means stay asleep.
		return fixed(DIDCore, CIDSleep, op, payload, 5, []byte{0, 0, 0, 0, 0})
	case OpCenterHead:
		// Heading 0 re-centres the head over the drive unit.
		return fixed(DIDSphero, CIDSetHeading, op, payload, 2, []byte{0, 0})
	case OpSetColor:
		switch len(payload) {
		case 3:
			// Flag 0 keeps the colour temporary rather than saving it to flash.
			return Command{DeviceID: DIDSphero, CommandID: CIDSetRGBLED, Payload: append(clone(payload), 0x00)}, nil
		case 4:
			return Command{DeviceID: DIDSphero, CommandID: CIDSetRGBLED, Payload: clone(payload)}, nil
		}
		return Command{}, fmt.Errorf("%s: payload must be 3 or 4 bytes, got %d", op, len(payload))
	case OpSetTaillight:
		return fixed(DIDSphero, CIDSetBackLED, op, payload, 1, nil)
	case OpConfigureCollisions:
		return fixed(DIDSphero, CIDConfigureCollisions, op, payload, 6, nil)
	}
	return Command{}, fmt.Errorf("unknown opcode %d", uint8(op))
}

// frameOpcodes maps a DID/CID pair back onto the opcode that produces it.
var frameOpcodes = map[[2]uint8]Opcode{
	{DIDCore, CIDPing}:                  OpPing,
	{DIDCore, CIDGetVersioning}:         OpGetVersion,
	{DIDCore, CIDGetPowerState}:         OpGetPowerState,
	{DIDCore, CIDSetPowerNotify}:        OpSetPowerNotify,
	{DIDCore, CIDSleep}:                 OpSleep,
	{DIDSphero, CIDSetHeading}:          OpCenterHead,
	{DIDSphero, CIDSetRGBLED}:           OpSetColor,
	{DIDSphero, CIDSetBackLED}:          OpSetTaillight,
	{DIDSphero, CIDConfigureCollisions}: OpConfigureCollisions,
}

// OpcodeFor returns the opcode a DID/CID pair encodes.
func OpcodeFor(did, cid uint8) (Opcode, bool) {
	op, ok := frameOpcodes[[2]uint8{did, cid}]
	return op, ok
}

// ErrUnknownCommand is returned by DecodeOp for a DID/CID pair no opcode uses.
var ErrUnknownCommand = errors.New("unknown command")

// DecodeOp decodes a host->device frame into its opcode and the payload
// CommandFor accepts for it. A SET_COLOR with the temporary flag cleared
// comes back in its short r,g,b form.
func DecodeOp(raw []byte) (Opcode, []byte, error) {
	f, err := DecodeCommand(raw)
	if err != nil {
		return 0, nil, err
	}
	op, ok := OpcodeFor(f.DeviceID, f.CommandID)
	if !ok {
		return 0, nil, fmt.Errorf("DID 0x%02X CID 0x%02X: %w", f.DeviceID, f.CommandID, ErrUnknownCommand)
	}
	payload := f.Payload
	if op == OpSetColor && len(payload) == 4 && payload[3] == 0x00 {
		payload = payload[:3]
	}
	return op, payload, nil
}

func fixed(did, cid uint8, op Opcode, payload []byte, size int, def []byte) (Command, error) {
	if len(payload) == 0 && def != nil {
		payload = def
	}
	if len(payload) != size {
		return Command{}, fmt.Errorf("%s: payload must be %d bytes, got %d", op, size, len(payload))
	}
	return Command{DeviceID: did, CommandID: cid, Payload: clone(payload)}, nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

// CollisionConfig parameterises on-device collision detection.
type CollisionConfig struct {
	Method     uint8 // 0 disables detection, 1 is the default detector
	XThreshold uint8
	XSpeed     uint8
	YThreshold uint8
	YSpeed     uint8
	// DeadTime is the post-collision blackout in 10ms units.
	DeadTime uint8
}

// DefaultCollisionConfig is the detector setup recommended for Sphero v1 firmware.
var DefaultCollisionConfig = CollisionConfig{
	Method:     0x01,
	XThreshold: 0x40,
	XSpeed:     0x40,
	YThreshold: 0x40,
	YSpeed:     0x40,
	DeadTime:   0x32,
}

// Payload encodes the config for OpConfigureCollisions.
func (c CollisionConfig) Payload() []byte {
	return []byte{c.Method, c.XThreshold, c.XSpeed, c.YThreshold, c.YSpeed, c.DeadTime}
}
