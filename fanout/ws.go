// Package fanout pushes oracle events to subscribers: live WebSocket
// connections and signed outbound webhooks.
package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koracle-dev/koracle/kdb"
	"go.uber.org/zap"
)

const (
	// maxConnsPerIdentity caps the concurrent connections of one API
	// key (or one remote address for public connections).
	maxConnsPerIdentity = 5

	pingInterval   = 30 * time.Second
	pongDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	maxMessageSize = 512
	sendBufferSize = 16
)

// Outbound webhook event types.
const (
	EventKChange        = "k_change"
	EventHolderNew      = "holder_new"
	EventHolderExit     = "holder_exit"
	EventThresholdAlert = "threshold_alert"
)

// WebSocket event types. The socket surface uses shorter names than
// the webhook surface.
const (
	WSEventConnected  = "connected"
	WSEventK          = "k"
	WSEventHolderNew  = "holder:new"
	WSEventHolderExit = "holder:exit"
	WSEventTx         = "tx"
	WSEventStatus     = "status"
)

// A Message is the wire format of one pushed event.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
	TS    int64  `json:"ts"`
}

type wsClient struct {
	conn     *websocket.Conn
	identity string
	tier     kdb.Tier
	send     chan []byte
	done     chan struct{}
}

// A Hub tracks the live WebSocket connections and fans events out to
// them.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	perID   map[string]int
	closed  bool
}

// NewHub returns an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are enforced by the gateway's CORS layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
		perID:   make(map[string]int),
	}
}

// Serve upgrades the request to a WebSocket connection and registers
// it under the given identity and tier. It returns once the upgrade
// is decided; the connection is pumped by background goroutines.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, identity string, tier kdb.Tier) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return nil
	}
	if h.perID[identity] >= maxConnsPerIdentity {
		h.mu.Unlock()
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return nil
	}
	h.perID[identity]++
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.mu.Lock()
		h.perID[identity]--
		h.mu.Unlock()
		return err
	}

	c := &wsClient{
		conn:     conn,
		identity: identity,
		tier:     tier,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
	h.send(c, Message{
		Event: WSEventConnected,
		Data:  map[string]any{"tier": string(tier)},
		TS:    time.Now().Unix(),
	})
	return nil
}

// remove unregisters a client. The send channel is never closed;
// closing done signals writePump instead, so a broadcast racing the
// removal cannot hit a closed channel.
func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.perID[c.identity]--
		if h.perID[c.identity] <= 0 {
			delete(h.perID, c.identity)
		}
		close(c.done)
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) readPump(c *wsClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongDeadline))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(data, &req); err == nil && req.Action == "ping" {
			now := time.Now().Unix()
			h.send(c, Message{Event: "pong", Data: map[string]int64{"ts": now}, TS: now})
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// send enqueues a message for one client without blocking. A client
// whose buffer is full is dropped rather than stalling the hub.
func (h *Hub) send(c *wsClient, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		h.log.Debug("dropping slow websocket client",
			zap.String("identity", c.identity))
		go h.remove(c)
	}
}

// Broadcast pushes an event to every connected client.
func (h *Hub) Broadcast(event string, data any) {
	h.BroadcastToTier(event, data, kdb.TierPublic)
}

// BroadcastToTier pushes an event to every client at or above the
// given tier. The client set is snapshotted so registrations during
// the broadcast are unaffected.
func (h *Hub) BroadcastToTier(event string, data any, minTier kdb.Tier) {
	msg := Message{Event: event, Data: data, TS: time.Now().Unix()}

	h.mu.Lock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if c.tier.Level() >= minTier.Level() {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.send(c, msg)
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close refuses new connections and closes the existing ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.remove(c)
	}
}
