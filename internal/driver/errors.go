package driver

import (
	"errors"
	"fmt"

	"bb8-bridge/internal/protocol"
)

var (
	// ErrCommandTimeout: the device did not acknowledge within the command timeout.
	ErrCommandTimeout = errors.New("command timeout")
	// ErrLinkLost: the BLE link dropped while the command was queued or in flight.
	ErrLinkLost = errors.New("link lost")
	// ErrCancelled: an explicit disconnect cancelled the command.
	ErrCancelled = errors.New("cancelled")
	// ErrNotConnected: the session is disconnected and auto-connect will not bring it back.
	ErrNotConnected = errors.New("not connected")
	// ErrRejected: the device answered with a non-OK response code.
	ErrRejected = errors.New("rejected by device")
	// ErrSequenceExhausted: all 256 sequence numbers are outstanding.
	ErrSequenceExhausted = errors.New("sequence numbers exhausted")
	// ErrClosed: the session has been shut down.
	ErrClosed = errors.New("session closed")
)

func rejected(code uint8) error {
	return fmt.Errorf("%w: %s", ErrRejected, protocol.ResponseName(code))
}
