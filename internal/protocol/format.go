package protocol

import (
	"fmt"
	"strings"
)

// Async message ID codes sent by Sphero v1 firmware.
const (
	AsyncPowerNotification uint8 = 0x01
	AsyncLevel1Diagnostic  uint8 = 0x02
	AsyncSensorStreaming   uint8 = 0x03
	AsyncConfigBlock       uint8 = 0x04
	AsyncPreSleepWarning   uint8 = 0x05
	AsyncMacroMarker       uint8 = 0x06
	AsyncCollision         uint8 = 0x07
	AsyncOrbBasicPrint     uint8 = 0x08
)

// AsyncName returns a readable name for an async ID code.
func AsyncName(id uint8) string {
	switch id {
	case AsyncPowerNotification:
		return "POWER_NOTIFICATION"
	case AsyncLevel1Diagnostic:
		return "LEVEL1_DIAGNOSTIC"
	case AsyncSensorStreaming:
		return "SENSOR_STREAMING"
	case AsyncConfigBlock:
		return "CONFIG_BLOCK"
	case AsyncPreSleepWarning:
		return "PRE_SLEEP_WARNING"
	case AsyncMacroMarker:
		return "MACRO_MARKER"
	case AsyncCollision:
		return "COLLISION"
	case AsyncOrbBasicPrint:
		return "ORBBASIC_PRINT"
	default:
		return fmt.Sprintf("ASYNC_0x%02X", id)
	}
}

// CommandName returns the opcode name of a DID/CID pair, or the raw IDs.
func CommandName(did, cid uint8) string {
	if op, ok := OpcodeFor(did, cid); ok {
		return op.String()
	}
	return fmt.Sprintf("DID_0x%02X/CID_0x%02X", did, cid)
}

// FormatFrame renders a decoded frame on one line for logs and the decode tool.
func FormatFrame(f *Frame) string {
	var b strings.Builder
	switch f.Kind {
	case KindCommand:
		fmt.Fprintf(&b, "command %s seq=%d answer=%t", CommandName(f.DeviceID, f.CommandID), f.Sequence, f.Answer)
	case KindResponse:
		fmt.Fprintf(&b, "response seq=%d status=%s", f.Sequence, ResponseName(f.Status))
	case KindAsync:
		fmt.Fprintf(&b, "async %s", AsyncName(f.CommandID))
	}
	fmt.Fprintf(&b, " len=%d chk=0x%02X", len(f.Payload), f.Checksum)
	if len(f.Payload) > 0 {
		fmt.Fprintf(&b, " data=% X", f.Payload)
	}
	return b.String()
}
