package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watmarket/market-engine/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 512
	sendBuffer     = 64
)

// subscriber is one WebSocket connection. An empty market receives every
// event; otherwise only that market's.
type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	market string
}

type frame struct {
	market string
	data   []byte
}

// Hub fans committed events out to WebSocket subscribers. A subscriber that
// cannot keep up loses messages rather than slowing the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	frames  chan frame
	join    chan *subscriber
	leave   chan *subscriber
	stopped chan struct{}
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a hub. Call Run before serving HandleWS.
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[*subscriber]struct{}),
		frames:  make(chan frame, 256),
		join:    make(chan *subscriber),
		leave:   make(chan *subscriber),
		stopped: make(chan struct{}),
	}
}

// Run routes frames to subscribers until ctx is done, then disconnects
// everyone.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subs {
				h.drop(s)
			}
			h.mu.Unlock()
			return nil

		case s := <-h.join:
			h.mu.Lock()
			h.subs[s] = struct{}{}
			total := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "market", s.market, "total", total)

		case s := <-h.leave:
			h.mu.Lock()
			if _, ok := h.subs[s]; ok {
				h.drop(s)
			}
			h.mu.Unlock()

		case f := <-h.frames:
			h.mu.RLock()
			for s := range h.subs {
				if s.market != "" && s.market != f.market {
					continue
				}
				select {
				case s.send <- f.data:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// drop removes s. Caller holds h.mu for writing.
func (h *Hub) drop(s *subscriber) {
	delete(h.subs, s)
	close(s.send)
	metrics.WebSocketClients.Set(float64(len(h.subs)))
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish queues e for every interested subscriber. It never blocks.
func (h *Hub) Publish(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("ws encode event", "type", e.Type, "err", err)
		return
	}
	select {
	case h.frames <- frame{market: e.MarketID, data: data}:
	default:
		slog.Warn("ws broadcast queue full, dropping event", "type", e.Type, "market", e.MarketID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /api/v1/ws. The optional ?market=<id> query limits
// the stream to one market.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	s := &subscriber{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		market: r.URL.Query().Get("market"),
	}

	select {
	case h.join <- s:
	case <-h.stopped:
		conn.Close()
		return
	}
	go h.writePump(s)
	go h.readPump(s)
}

// readPump discards client frames and notices disconnects.
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		select {
		case h.leave <- s:
		case <-h.stopped:
		}
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on s.conn. It exits when the hub closes
// s.send.
func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
