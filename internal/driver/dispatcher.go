package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bb8-bridge/internal/protocol"
)

// request is one queued or in-flight command.
type request struct {
	pending *Pending
	op      protocol.Opcode
	cmd     protocol.Command
	seq     uint8
	issued  time.Time
	timer   *time.Timer

	rollback *lightRollback
	step     *transition
	internal bool
}

// Submit queues a command and returns its result slot. CONNECT and
// DISCONNECT drive the connection state machine instead of the queue.
// SET_COLOR and SET_TAILLIGHT update the light state before the device
// confirms and revert it if the command fails.
//
// When Submit returns, the command has been accepted into the queue or
// already failed. It must not be called from an Observer.
func (s *Session) Submit(op protocol.Opcode, payload []byte) *Pending {
	p := newPending(op)

	var cmd protocol.Command
	if op != protocol.OpConnect && op != protocol.OpDisconnect {
		var err error
		if cmd, err = protocol.CommandFor(op, payload); err != nil {
			p.complete(err)
			return p
		}
	}

	ok := s.do(func() {
		switch op {
		case protocol.OpConnect:
			s.connect(p)
		case protocol.OpDisconnect:
			s.disconnect(p)
		default:
			if mode, value, isLight := lightModeFor(op, payload); isLight {
				s.setLight(LightState{Mode: mode, Value: value}, cmd, p)
				return
			}
			s.enqueue(&request{pending: p, op: op, cmd: cmd})
		}
	})
	if !ok {
		p.complete(ErrClosed)
	}
	return p
}

// SetLightState records the requested state for mode immediately and sends
// it to the device. A positive transition fades from the previous value in
// TransitionStep increments; only the final value is rolled back on failure.
func (s *Session) SetLightState(mode LightMode, value LightValue, transition time.Duration) *Pending {
	op := mode.Opcode()
	p := newPending(op)
	if mode >= numLightModes {
		p.complete(fmt.Errorf("unknown light mode %d", mode))
		return p
	}
	st := LightState{Mode: mode, Value: value, Transition: transition}
	if !s.do(func() { s.setLight(st, mode.command(value), p) }) {
		p.complete(ErrClosed)
	}
	return p
}

func (s *Session) enqueue(req *request) {
	if s.conn == Disconnected {
		s.finish(req, ErrNotConnected)
		return
	}
	s.queue = append(s.queue, req)
	s.dispatchNext()
}

func (s *Session) setLight(st LightState, cmd protocol.Command, p *Pending) {
	if s.conn == Disconnected {
		p.complete(ErrNotConnected)
		return
	}
	// Bump first so a superseded transition does not roll back.
	s.lightGen[st.Mode]++
	if tr := s.transitions[st.Mode]; tr != nil {
		s.stopTransition(tr, ErrCancelled)
	}

	prev, hadPrev := s.lights[st.Mode], s.known[st.Mode]
	s.storeLight(st)

	req := &request{
		pending: p,
		op:      st.Mode.Opcode(),
		cmd:     cmd,
		rollback: &lightRollback{
			mode:  st.Mode,
			gen:   s.lightGen[st.Mode],
			state: st,
		},
	}
	if st.Transition <= 0 || !hadPrev || prev.Value == st.Value {
		s.enqueue(req)
		return
	}

	tr := &transition{
		mode:   st.Mode,
		from:   prev.Value,
		to:     st.Value,
		start:  time.Now(),
		length: st.Transition,
		final:  req,
	}
	s.transitions[st.Mode] = tr
	s.stepTransition(tr)
}

func (s *Session) stepTransition(tr *transition) {
	if s.transitions[tr.mode] != tr {
		return
	}
	frac := float64(time.Since(tr.start)) / float64(tr.length)
	if frac >= 1 || s.conn != Connected {
		s.transitions[tr.mode] = nil
		s.enqueue(tr.final)
		return
	}

	// Coalesce: while a step is still waiting its turn, skip this one.
	queued := false
	for _, req := range s.queue {
		if req.step == tr {
			queued = true
			break
		}
	}
	if !queued {
		v := interpolate(tr.from, tr.to, frac)
		op := tr.mode.Opcode()
		s.enqueue(&request{pending: newPending(op), op: op, cmd: tr.mode.command(v), step: tr, internal: true})
	}

	tr.timer = time.AfterFunc(s.cfg.TransitionStep, func() {
		s.post(func() { s.stepTransition(tr) })
	})
}

// stopTransition abandons a transition whose final command was never queued.
func (s *Session) stopTransition(tr *transition, err error) {
	if tr.timer != nil {
		tr.timer.Stop()
	}
	s.transitions[tr.mode] = nil
	kept := s.queue[:0]
	for _, req := range s.queue {
		if req.step == tr {
			req.pending.complete(ErrCancelled)
			continue
		}
		kept = append(kept, req)
	}
	s.queue = kept
	s.finish(tr.final, err)
}

func (s *Session) storeLight(st LightState) {
	s.lights[st.Mode] = st
	s.known[st.Mode] = true
	s.snapMu.Lock()
	s.snapLights[st.Mode] = st
	s.snapMu.Unlock()
}

// settleLight records the outcome of a light request. Success makes its
// state the confirmed one. Failure of the newest request for a mode
// restores the confirmed state; older failures leave the newer request in
// charge, and its own outcome decides what the light ends on.
func (s *Session) settleLight(req *request, err error) {
	rb := req.rollback
	if rb == nil {
		return
	}
	req.rollback = nil
	if err == nil {
		s.confirmed[rb.mode] = rb.state
		s.confirmedKnown[rb.mode] = true
		return
	}
	if s.lightGen[rb.mode] != rb.gen {
		return
	}
	back := s.confirmed[rb.mode]
	s.logger.Info("light state rolled back", "mode", rb.mode, "from", rb.state.Value, "to", back.Value)
	s.storeLight(back)
	s.known[rb.mode] = s.confirmedKnown[rb.mode]
}

func (s *Session) dispatchNext() {
	if s.conn != Connected || s.inflight != nil || s.dispatchWait != nil || len(s.queue) == 0 {
		return
	}
	if d := s.limiter.Reserve().Delay(); d > 0 {
		var t *time.Timer
		t = time.AfterFunc(d, func() {
			s.post(func() {
				if s.dispatchWait != t {
					return
				}
				s.dispatchWait = nil
				s.send()
			})
		})
		s.dispatchWait = t
		return
	}
	s.send()
}

func (s *Session) send() {
	if s.conn != Connected || s.inflight != nil || len(s.queue) == 0 {
		return
	}
	seq, err := s.tracker.Next()
	if err != nil {
		s.logger.Warn("holding queue", "err", err, "queued", len(s.queue))
		return
	}

	req := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]

	req.seq = seq
	req.issued = time.Now()
	s.tracker.Track(seq, req)
	s.inflight = req
	s.lastSent = req.issued
	req.timer = time.AfterFunc(s.cfg.CommandTimeout, func() {
		s.post(func() { s.expire(req, ErrCommandTimeout) })
	})

	raw := protocol.Encode(req.cmd, seq)
	s.logger.Debug("sending command", "id", req.pending.ID, "op", req.op, "seq", seq, "raw", fmt.Sprintf("% X", raw))

	ctx, timeout := s.ctx, s.cfg.CommandTimeout
	go func() {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := s.link.Write(wctx, raw); err != nil {
			s.post(func() { s.expire(req, fmt.Errorf("write: %w", err)) })
		}
	}()
}

// expire fails the in-flight request and moves on to the next one.
func (s *Session) expire(req *request, err error) {
	if s.inflight != req {
		return
	}
	s.tracker.Resolve(req.seq)
	s.inflight = nil
	s.finish(req, err)
	s.dispatchNext()
}

func (s *Session) finish(req *request, err error) {
	if req.timer != nil {
		req.timer.Stop()
	}
	s.settleLight(req, err)

	log := s.logger.With("id", req.pending.ID, "op", req.op)
	switch {
	case err == nil:
		log.Debug("command acknowledged", "seq", req.seq, "rtt", time.Since(req.issued))
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrClosed):
		log.Debug("command cancelled", "err", err)
	case req.internal:
		log.Debug("internal command failed", "err", err)
	default:
		log.Warn("command failed", "err", err)
	}
	req.pending.complete(err)
}

// failAll resolves every queued and in-flight request with err and clears
// the sequence tracker. Lights end on their last confirmed value.
func (s *Session) failAll(err error) {
	if s.dispatchWait != nil {
		s.dispatchWait.Stop()
		s.dispatchWait = nil
	}
	for _, tr := range s.transitions {
		if tr != nil {
			s.stopTransition(tr, err)
		}
	}

	inflight := s.inflight
	s.inflight = nil
	if inflight != nil {
		s.finish(inflight, err)
	}
	queue := s.queue
	s.queue = nil
	for _, req := range queue {
		s.finish(req, err)
	}

	s.tracker.Clear()
	s.asm.Reset()
}

func (s *Session) handleChunk(chunk []byte) {
	if s.conn != Connected {
		return
	}
	frames, skipped := s.asm.Feed(chunk)
	if skipped > 0 {
		s.logger.Debug("discarded bytes before start marker", "count", skipped)
	}
	for _, raw := range frames {
		f, err := protocol.DecodeInbound(raw)
		if err != nil {
			s.logger.Warn("dropping inbound frame", "err", err, "raw", fmt.Sprintf("% X", raw))
			continue
		}
		switch f.Kind {
		case protocol.KindResponse:
			s.handleResponse(f)
		case protocol.KindAsync:
			if ev, ok := s.decoder.DecodeAsync(f); ok {
				s.publish(ev)
			}
		}
	}
}

func (s *Session) handleResponse(f *protocol.Frame) {
	req, ok := s.tracker.Resolve(f.Sequence)
	if !ok {
		s.logger.Warn("orphaned response (too late or unsolicited)", "seq", f.Sequence, "status", protocol.ResponseName(f.Status))
		return
	}
	if s.inflight == req {
		s.inflight = nil
	}
	if f.Status != protocol.RspOK {
		s.finish(req, rejected(f.Status))
	} else {
		for _, ev := range s.decoder.DecodeResponse(req.op, f.Payload) {
			s.publish(ev)
		}
		s.finish(req, nil)
	}
	s.dispatchNext()
}
