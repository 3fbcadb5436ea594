package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"bb8-bridge/internal/entity"
)

// eventSnapshot is sent once to every client right after it connects.
const eventSnapshot = "snapshot"

const (
	wsQueueSize    = 64
	wsBacklog      = 256
	wsWriteTimeout = 10 * time.Second
)

type wsSnapshot struct {
	Connection string            `json:"connection"`
	Entities   []entity.Snapshot `json:"entities"`
}

// WSHub fans entity events out to connected WebSocket clients. Clients that
// cannot keep up with the stream are dropped.
type WSHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	join   chan *wsClient
	leave  chan *wsClient
	events chan any

	quit     chan struct{}
	quitOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	out  chan []byte
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn, out: make(chan []byte, wsQueueSize)}
}

// NewWSHub creates a hub; call Run to start it.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
		join:    make(chan *wsClient),
		leave:   make(chan *wsClient),
		events:  make(chan any, wsBacklog),
		quit:    make(chan struct{}),
	}
}

// Len returns the number of connected clients.
func (h *WSHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run delivers events until Stop is called.
func (h *WSHub) Run() {
	defer h.dropAll()
	for {
		select {
		case <-h.quit:
			return
		case c := <-h.join:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("ws client joined", "clients", h.Len())
		case c := <-h.leave:
			h.drop(c)
			h.logger.Debug("ws client left", "clients", h.Len())
		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

func (h *WSHub) fanOut(ev any) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}
	h.mu.Lock()
	var lagging []*wsClient
	for c := range h.clients {
		select {
		case c.out <- data:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.Unlock()
	for _, c := range lagging {
		h.drop(c)
		h.logger.Warn("ws client dropped, queue full")
	}
}

// drop removes c and closes its queue; unknown clients are ignored.
func (h *WSHub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.out)
	}
}

func (h *WSHub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.out)
	}
}

// Stop shuts the hub down and closes every client queue. Safe to call twice.
func (h *WSHub) Stop() {
	h.quitOnce.Do(func() { close(h.quit) })
}

// Broadcast queues ev for every client without blocking; when the backlog
// is full the event is dropped.
func (h *WSHub) Broadcast(ev any) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("ws backlog full, dropping event")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// nhooyr enforces same-origin when no patterns are given.
	opts := &websocket.AcceptOptions{OriginPatterns: s.allowedOrigins}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	c := newWSClient(conn)
	if data, err := json.Marshal(s.snapshotEvent()); err == nil {
		c.out <- data
	}

	select {
	case s.wsHub.join <- c:
	case <-s.wsHub.quit:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	// Clients only listen; CloseRead discards their frames and ends ctx when
	// the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.writeWS(ctx, c)
}

func (s *Server) writeWS(ctx context.Context, c *wsClient) {
	for {
		select {
		case data, ok := <-c.out:
			if !ok {
				select {
				case <-s.wsHub.quit:
					c.conn.Close(websocket.StatusGoingAway, "server shutdown")
				default:
					c.conn.Close(websocket.StatusPolicyViolation, "too slow")
				}
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.leaveWS(c)
				return
			}
		case <-ctx.Done():
			s.leaveWS(c)
			return
		case <-s.wsHub.quit:
			c.conn.Close(websocket.StatusGoingAway, "server shutdown")
			return
		}
	}
}

func (s *Server) leaveWS(c *wsClient) {
	select {
	case s.wsHub.leave <- c:
	case <-s.wsHub.quit:
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) snapshotEvent() entity.Event {
	return entity.Event{
		Type: eventSnapshot,
		Data: wsSnapshot{
			Connection: s.toy.ConnectionStatus().String(),
			Entities:   s.entities.Snapshots(),
		},
	}
}
