// Package realtime provides WebSocket streaming of engine outcomes.
//
// Instead of polling /v1/events, clients subscribe and receive settled,
// expired and external-payment events as they happen. Each client may
// narrow its feed with a Subscription filter sent as a JSON message on
// the socket.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paywatch/paywatch/internal/metrics"
)

// EventType identifies the kind of engine outcome being streamed.
type EventType string

const (
	EventSettled         EventType = "settled"
	EventExpired         EventType = "expired"
	EventExternalPayment EventType = "external_payment"
)

// Event is one streamed outcome.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Subscription narrows which events a client receives. A client that
// never sends one gets everything.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	Owners     []string    `json:"owners"`
	MinAmount  float64     `json:"minAmount"` // in sats
}

// matches reports whether an event passes the subscription filter.
func (s Subscription) matches(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 {
		ok := false
		for _, t := range s.EventTypes {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	data, _ := ev.Data.(map[string]interface{})
	if len(s.Owners) > 0 {
		owner, _ := data["ownerId"].(string)
		ok := false
		for _, o := range s.Owners {
			if o == owner {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if s.MinAmount > 0 {
		if amount, isNum := data["amount"].(float64); isNum && amount < s.MinAmount {
			return false
		}
	}
	return true
}

// client is one connected subscriber. outbox is buffered; a subscriber
// that cannot drain it before the buffer fills is evicted rather than
// allowed to stall the dispatch loop.
type client struct {
	conn   *websocket.Conn
	outbox chan []byte
	subMu  sync.RWMutex
	sub    Subscription
}

func (c *client) subscription() Subscription {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.sub
}

// MaxClients caps concurrent subscribers; upgrades beyond it are refused.
const MaxClients = 10000

const (
	outboxSize    = 256
	readLimit     = 64 * 1024
	pongWait      = 60 * time.Second
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
)

// Hub fans engine outcomes out to WebSocket subscribers.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	feed    chan *Event
	joins   chan *client
	leaves  chan *client
	done    chan struct{} // closed when Run exits; guards the upgrade race
	maxSubs int

	eventsSent  atomic.Int64
	joinsTotal  atomic.Int64
	peakClients atomic.Int64
}

// NewHub creates a hub. Call Run before HandleWebSocket.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
		feed:    make(chan *Event, 256),
		joins:   make(chan *client),
		leaves:  make(chan *client),
		done:    make(chan struct{}),
		maxSubs: MaxClients,
	}
}

// Run owns the client set until ctx is cancelled, then closes every
// subscriber and refuses further upgrades.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("event stream hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("event stream hub stopped")
			return
		case c := <-h.joins:
			h.admit(c)
		case c := <-h.leaves:
			h.evict(c)
		case ev := <-h.feed:
			h.dispatch(ev)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.outbox) // writeLoop sends the close frame
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

func (h *Hub) admit(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.joinsTotal.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("event stream client connected", "total", n)
}

func (h *Hub) evict(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
		close(c.outbox)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if present {
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Info("event stream client disconnected", "total", n)
	}
}

func (h *Hub) dispatch(ev *Event) {
	h.eventsSent.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event serialization failed", "type", ev.Type, "error", err)
		return
	}

	var stalled []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().matches(ev) {
			continue
		}
		select {
		case c.outbox <- payload:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		h.logger.Warn("evicting slow event stream client")
		h.evict(c)
	}
}

// Broadcast queues an event for delivery. Drops the event if the feed
// buffer is full rather than blocking the caller.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.feed <- ev:
	default:
		h.logger.Warn("event feed full, dropping event", "type", ev.Type)
	}
}

// BroadcastOutcome wraps a confirmation outcome in an Event and queues it.
func (h *Hub) BroadcastOutcome(eventType EventType, data map[string]interface{}) {
	h.Broadcast(&Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Stats reports subscriber and delivery counters.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	connected := len(h.clients)
	h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": connected,
		"totalEvents":      h.eventsSent.Load(),
		"totalClients":     h.joinsTotal.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// HandleWebSocket upgrades the request and attaches the connection to
// the hub with a default subscribe-to-everything filter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		// Run has exited; an upgrade now would leave an orphaned
		// connection nobody serves.
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxSubs {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		outbox: make(chan []byte, outboxSize),
		sub:    Subscription{AllEvents: true},
	}

	h.joins <- c
	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop consumes inbound frames. The only meaningful inbound payload
// is a Subscription update; anything that fails to decode is ignored.
func (h *Hub) readLoop(c *client) {
	defer func() {
		select {
		case h.leaves <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err == nil {
			c.subMu.Lock()
			c.sub = sub
			c.subMu.Unlock()
		}
	}
}

// writeLoop drains the outbox and keeps the connection alive with pings.
// A closed outbox means the hub evicted this client.
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, open := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !open {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Warn("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
