package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"bb8-bridge/internal/protocol"
)

// Link is the radio-side transport a session drives. Connect performs the
// full wake handshake. Notifications and link loss are reported through the
// registered callbacks from the transport's own goroutines.
type Link interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Write(ctx context.Context, p []byte) error
	OnNotify(fn func([]byte))
	OnLinkLost(fn func(error))
}

// ConnState is the session connection state.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Config tunes a session. Zero durations take defaults; negative
// KeepAlive, PollInterval or CollisionHold disable that feature.
type Config struct {
	AutoConnect bool

	CommandTimeout time.Duration
	ConnectTimeout time.Duration
	PacketSpacing  time.Duration
	KeepAlive      time.Duration
	PollInterval   time.Duration
	CollisionHold  time.Duration
	TransitionStep time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// Collision configures on-device detection at connect; nil uses
	// protocol.DefaultCollisionConfig.
	Collision *protocol.CollisionConfig
	Telemetry TelemetryConfig
}

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	def(&c.CommandTimeout, 3*time.Second)
	def(&c.ConnectTimeout, 20*time.Second)
	def(&c.PacketSpacing, 50*time.Millisecond)
	def(&c.KeepAlive, 2*time.Second)
	def(&c.PollInterval, time.Minute)
	def(&c.CollisionHold, time.Second)
	def(&c.TransitionStep, 100*time.Millisecond)
	def(&c.ReconnectMin, time.Second)
	def(&c.ReconnectMax, 30*time.Second)
	if c.Collision == nil {
		cc := protocol.DefaultCollisionConfig
		c.Collision = &cc
	}
	return c
}

// Session owns one device link. A single goroutine owns the command queue,
// sequence tracker, light state and connection state; every other input is
// posted to it.
type Session struct {
	link      Link
	cfg       Config
	logger    *slog.Logger
	observers *Registry
	decoder   *TelemetryDecoder

	inbox     chan func()
	stopped   chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once

	state atomic.Int32

	snapMu     sync.RWMutex
	snapLights [numLightModes]LightState

	// Owned by the run goroutine.
	conn          ConnState
	userDown      bool
	gen           uint64
	connectCancel context.CancelFunc
	retryTimer    *time.Timer
	backoff       backoff.BackOff
	waiters       []*Pending

	tracker      *SequenceTracker
	asm          *protocol.Assembler
	limiter      *rate.Limiter
	queue        []*request
	inflight     *request
	dispatchWait *time.Timer
	lastSent     time.Time

	lights      [numLightModes]LightState
	known       [numLightModes]bool
	lightGen    [numLightModes]uint64
	transitions [numLightModes]*transition

	// Last state the device acknowledged per mode; rollbacks return here.
	confirmed      [numLightModes]LightState
	confirmedKnown [numLightModes]bool

	collisionTimer *time.Timer
}

// NewSession creates a session over link. observers may be nil.
func NewSession(link Link, cfg Config, observers *Registry, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if observers == nil {
		observers = NewRegistry(logger)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectMin
	b.MaxInterval = cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	limit := rate.Inf
	if cfg.PacketSpacing > 0 {
		limit = rate.Every(cfg.PacketSpacing)
	}

	s := &Session{
		link:      link,
		cfg:       cfg,
		logger:    logger.With("component", "session"),
		observers: observers,
		decoder:   NewTelemetryDecoder(cfg.Telemetry, logger.With("component", "telemetry")),
		inbox:     make(chan func(), 64),
		stopped:   make(chan struct{}),
		backoff:   b,
		tracker:   NewSequenceTracker(),
		asm:       protocol.NewAssembler(),
		limiter:   rate.NewLimiter(limit, 1),
	}
	for m := range s.lights {
		s.lights[m].Mode = LightMode(m)
		s.snapLights[m].Mode = LightMode(m)
		s.confirmed[m].Mode = LightMode(m)
	}

	link.OnNotify(func(p []byte) {
		chunk := append([]byte(nil), p...)
		s.post(func() { s.handleChunk(chunk) })
	})
	link.OnLinkLost(func(err error) {
		s.post(func() { s.linkLost(err) })
	})
	return s
}

// RegisterObserver installs obs for ch; the last registration wins.
func (s *Session) RegisterObserver(ch Channel, obs Observer) {
	s.observers.Register(ch, obs)
}

// RestoreLight seeds a previously persisted light state so it is resent on
// the next connect. Call before Start.
func (s *Session) RestoreLight(st LightState) {
	if st.Mode >= numLightModes {
		return
	}
	s.lights[st.Mode] = st
	s.known[st.Mode] = true
	s.confirmed[st.Mode] = st
	s.confirmedKnown[st.Mode] = true
	s.snapMu.Lock()
	s.snapLights[st.Mode] = st
	s.snapMu.Unlock()
}

// ConnectionStatus returns the current connection state.
func (s *Session) ConnectionStatus() ConnState {
	return ConnState(s.state.Load())
}

// LightState returns the last requested state for mode.
func (s *Session) LightState(mode LightMode) LightState {
	if mode >= numLightModes {
		return LightState{Mode: mode}
	}
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapLights[mode]
}

// Start runs the session until ctx is cancelled or Close is called. With
// AutoConnect set, the first connect attempt begins immediately.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)
		go s.run()
	})
}

// Close fails all outstanding commands with ErrClosed, tears the link
// down and waits for the session goroutine to exit.
func (s *Session) Close() {
	s.startOnce.Do(func() { close(s.stopped) })
	if s.cancel != nil {
		s.cancel()
	}
	<-s.stopped
}

// Connect submits CONNECT and waits for the outcome.
func (s *Session) Connect(ctx context.Context) error {
	return s.Submit(protocol.OpConnect, nil).Wait(ctx)
}

// Disconnect submits DISCONNECT and waits for the link to be torn down.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.Submit(protocol.OpDisconnect, nil).Wait(ctx)
}

func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.stopped:
		return false
	}
}

// do runs fn on the session goroutine and waits for it to return.
func (s *Session) do(fn func()) bool {
	done := make(chan struct{})
	if !s.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Session) run() {
	defer close(s.stopped)

	s.observers.Publish(ConnectionStatus{State: s.conn})
	if s.cfg.AutoConnect {
		s.setState(Connecting)
		s.beginConnect()
	}

	var keepC, pollC <-chan time.Time
	if s.cfg.KeepAlive > 0 {
		t := time.NewTicker(s.cfg.KeepAlive / 2)
		defer t.Stop()
		keepC = t.C
	}
	if s.cfg.PollInterval > 0 {
		t := time.NewTicker(s.cfg.PollInterval)
		defer t.Stop()
		pollC = t.C
	}

	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-keepC:
			s.keepAlive()
		case <-pollC:
			s.poll()
		case <-s.ctx.Done():
			s.shutdown()
			return
		}
	}
}

func (s *Session) shutdown() {
	s.gen++
	s.stopRetry()
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectCancel = nil
	}
	if s.collisionTimer != nil {
		s.collisionTimer.Stop()
		s.collisionTimer = nil
	}
	s.failAll(ErrClosed)
	s.resolveWaiters(ErrClosed)
	if s.conn != Disconnected {
		if err := s.link.Disconnect(); err != nil {
			s.logger.Warn("disconnect on shutdown failed", "err", err)
		}
		s.setState(Disconnected)
	}
	s.logger.Info("session stopped")
}

func (s *Session) setState(st ConnState) {
	if s.conn == st {
		return
	}
	prev := s.conn
	s.conn = st
	s.state.Store(int32(st))
	s.logger.Info("connection state changed", "from", prev, "to", st)
	s.observers.Publish(ConnectionStatus{State: st})
}

func (s *Session) autoReconnect() bool {
	return s.cfg.AutoConnect && !s.userDown
}

func (s *Session) beginConnect() {
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	s.connectCancel = cancel
	s.logger.Info("connecting")
	go func() {
		err := s.link.Connect(ctx)
		cancel()
		s.post(func() { s.connectDone(gen, err) })
	}()
}

func (s *Session) connectDone(gen uint64, err error) {
	if gen != s.gen {
		// A disconnect overtook this attempt.
		if err == nil && s.conn == Disconnected && s.connectCancel == nil {
			go s.link.Disconnect()
		}
		return
	}
	s.connectCancel = nil

	if err != nil {
		s.logger.Warn("connect failed", "err", err)
		if s.autoReconnect() {
			s.scheduleRetry()
			return
		}
		s.setState(Disconnected)
		s.resolveWaiters(fmt.Errorf("%w: %v", ErrNotConnected, err))
		s.failAll(ErrNotConnected)
		return
	}

	s.backoff.Reset()
	s.asm.Reset()
	s.setState(Connected)
	s.resolveWaiters(nil)
	s.onConnected()
	s.dispatchNext()
}

func (s *Session) scheduleRetry() {
	d := s.backoff.NextBackOff()
	if d == backoff.Stop {
		d = s.cfg.ReconnectMax
	}
	s.logger.Info("reconnect scheduled", "in", d)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.post(func() {
			if s.retryTimer != t {
				return
			}
			s.retryTimer = nil
			s.beginConnect()
		})
	})
	s.retryTimer = t
}

func (s *Session) stopRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Session) resolveWaiters(err error) {
	for _, p := range s.waiters {
		p.complete(err)
	}
	s.waiters = nil
}

func (s *Session) connect(p *Pending) {
	s.userDown = false
	switch s.conn {
	case Connected:
		p.complete(nil)
	case Disconnected:
		s.waiters = append(s.waiters, p)
		s.setState(Connecting)
		s.beginConnect()
	default:
		s.waiters = append(s.waiters, p)
		if s.connectCancel == nil {
			// Waiting out a backoff delay: try now.
			s.stopRetry()
			s.beginConnect()
		}
	}
}

func (s *Session) disconnect(p *Pending) {
	s.userDown = true
	s.stopRetry()
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectCancel = nil
	}
	s.gen++

	s.failAll(ErrCancelled)
	s.resolveWaiters(ErrCancelled)

	prev := s.conn
	s.setState(Disconnected)
	if prev == Disconnected {
		p.complete(nil)
		return
	}
	go func() {
		err := s.link.Disconnect()
		if err != nil {
			err = fmt.Errorf("disconnect: %w", err)
		}
		p.complete(err)
	}()
}

func (s *Session) linkLost(err error) {
	if s.conn != Connected {
		return
	}
	s.logger.Warn("link lost", "err", err)
	lost := ErrLinkLost
	if err != nil {
		lost = fmt.Errorf("%w: %v", ErrLinkLost, err)
	}
	s.failAll(lost)
	if s.autoReconnect() {
		s.setState(Reconnecting)
		s.scheduleRetry()
		return
	}
	s.setState(Disconnected)
}

// onConnected puts the device setup commands and the light resync ahead of
// anything queued while connecting.
func (s *Session) onConnected() {
	setup := []*request{
		s.internal(protocol.OpSetPowerNotify, []byte{0x01}),
		s.internal(protocol.OpConfigureCollisions, s.cfg.Collision.Payload()),
		s.internal(protocol.OpGetVersion, nil),
		s.internal(protocol.OpGetPowerState, nil),
	}
	for m := range s.lights {
		if !s.known[m] {
			continue
		}
		mode := LightMode(m)
		op := mode.Opcode()
		setup = append(setup, &request{pending: newPending(op), op: op, cmd: mode.command(s.lights[m].Value), internal: true})
	}
	s.queue = append(setup, s.queue...)
}

func (s *Session) keepAlive() {
	if s.conn != Connected || s.inflight != nil || len(s.queue) > 0 {
		return
	}
	if time.Since(s.lastSent) < s.cfg.KeepAlive {
		return
	}
	s.enqueue(s.internal(protocol.OpPing, nil))
}

func (s *Session) poll() {
	if s.conn != Connected {
		return
	}
	for _, req := range s.queue {
		if req.op == protocol.OpGetPowerState {
			return
		}
	}
	s.enqueue(s.internal(protocol.OpGetPowerState, nil))
}

func (s *Session) internal(op protocol.Opcode, payload []byte) *request {
	cmd, err := protocol.CommandFor(op, payload)
	if err != nil {
		panic(err)
	}
	return &request{pending: newPending(op), op: op, cmd: cmd, internal: true}
}

func (s *Session) publish(ev Event) {
	s.observers.Publish(ev)
	if _, ok := ev.(Collision); !ok || s.cfg.CollisionHold <= 0 {
		return
	}
	if s.collisionTimer != nil {
		s.collisionTimer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(s.cfg.CollisionHold, func() {
		s.post(func() {
			if s.collisionTimer != t {
				return
			}
			s.collisionTimer = nil
			s.observers.Publish(CollisionCleared{})
		})
	})
	s.collisionTimer = t
}
