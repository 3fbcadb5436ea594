package driver

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"bb8-bridge/internal/protocol"
)

// Pending is the result slot of a submitted command. It resolves exactly once:
// on acknowledgement, timeout, link loss, cancellation or rejection.
type Pending struct {
	ID     ulid.ULID
	Opcode protocol.Opcode

	once sync.Once
	done chan struct{}
	err  error
}

func newPending(op protocol.Opcode) *Pending {
	return &Pending{
		ID:     ulid.Make(),
		Opcode: op,
		done:   make(chan struct{}),
	}
}

func failedPending(op protocol.Opcode, err error) *Pending {
	p := newPending(op)
	p.complete(err)
	return p
}

// Resolved returns a pending that has already completed with err. Adapters
// use it to report requests they refuse before reaching a session.
func Resolved(op protocol.Opcode, err error) *Pending {
	return failedPending(op, err)
}

func (p *Pending) complete(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed when the command has resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the outcome. Only meaningful after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the command resolves or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
