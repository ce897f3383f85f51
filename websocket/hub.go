package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dashterm/auth"
	"dashterm/models"
)

// Hub message types.
const (
	HubConnected       = "connected"
	HubTerminalCreated = "terminal-created"
	HubTerminalClosed  = "terminal-closed"
	HubSettingsChanged = "settings-changed"
	HubConfigReloaded  = "config-reloaded"
	HubPong            = "pong"
)

// Authenticator validates the token a client presents.
type Authenticator interface {
	Validate(token string) bool
}

// Client is one dashboard connection on /ws.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans dashboard-wide notifications out to every connected client.
// Terminal bytes never travel through it; each session has its own stream.
type Hub struct {
	clients    map[*Client]bool
	unregister chan *Client
	auth       Authenticator
	logger     *zap.Logger
	done       chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(a Authenticator, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		unregister: make(chan *Client),
		auth:       a,
		logger:     logger.Named("hub"),
		done:       make(chan struct{}),
	}
}

// Run serves unregister requests until ctx is done, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.unregister:
			h.drop(client)

		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// add registers a client. The client is in the set when add returns, so
// SendToClient reaches it immediately.
func (h *Hub) add(client *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.Int("clients", n))
	return true
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("client disconnected", zap.Int("clients", n))
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendToClient queues a message for one client. A client whose buffer is
// full is disconnected.
func (h *Hub) SendToClient(client *Client, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("marshal message", zap.Error(err))
		return
	}
	h.mu.RLock()
	_, ok := h.clients[client]
	full := false
	if ok {
		select {
		case client.send <- data:
		default:
			full = true
		}
	}
	h.mu.RUnlock()
	if full {
		h.logger.Warn("client too slow, dropping")
		h.drop(client)
	}
}

// Broadcast queues a message for every client.
func (h *Hub) Broadcast(message models.HubMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("marshal broadcast", zap.Error(err))
		return
	}
	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()
	for _, client := range slow {
		h.logger.Warn("client too slow, dropping")
		h.drop(client)
	}
}

// NotifyLifecycle broadcasts session creation and teardown. It has the
// signature terminal.Manager.OnLifecycle expects.
func (h *Hub) NotifyLifecycle(ev models.LifecycleEvent) {
	session := ev.Session
	h.Broadcast(models.HubMessage{
		Type:     ev.Type,
		Session:  &session,
		ExitCode: ev.ExitCode,
		Reason:   ev.Reason,
	})
}

// HandleWebSocket upgrades a dashboard connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Validate(auth.FromRequest(r)) {
		writeHTTPError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	// Queued before registering so it always precedes any broadcast.
	if hello, err := json.Marshal(models.HubMessage{Type: HubConnected}); err == nil {
		client.send <- hello
	}
	if !h.add(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		var msg models.HubMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Debug("invalid message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case "ping":
			c.hub.SendToClient(c, models.HubMessage{Type: HubPong})
		default:
			c.hub.logger.Debug("unknown message type", zap.String("type", msg.Type))
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	w := newConnWriter(c.conn)
	for message := range c.send {
		if err := w.WriteText(message); err != nil {
			c.hub.logger.Debug("write failed", zap.Error(err))
			return
		}
	}
	_ = w.WriteClose(websocket.CloseNormalClosure, "")
}
