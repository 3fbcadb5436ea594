// Package transport provides the byte links a driver session runs over:
// a direct BLE connection and a serial line to a UART BLE bridge.
package transport

import (
	"errors"
	"sync"
)

// ErrNotConnected is returned by Write when the link is down.
var ErrNotConnected = errors.New("transport is not connected")

// callbacks holds the notification and link-loss handlers shared by every link.
type callbacks struct {
	mu     sync.RWMutex
	notify func([]byte)
	lost   func(error)
}

// OnNotify sets the handler for inbound byte chunks.
func (c *callbacks) OnNotify(fn func([]byte)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// OnLinkLost sets the handler called when the link drops on its own.
// It is not called for an explicit Disconnect.
func (c *callbacks) OnLinkLost(fn func(error)) {
	c.mu.Lock()
	c.lost = fn
	c.mu.Unlock()
}

func (c *callbacks) emitNotify(p []byte) {
	c.mu.RLock()
	fn := c.notify
	c.mu.RUnlock()
	if fn != nil {
		fn(p)
	}
}

func (c *callbacks) emitLost(err error) {
	c.mu.RLock()
	fn := c.lost
	c.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
