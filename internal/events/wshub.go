package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/logger"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 1024 * 1024 // 1MB
	clientSendDepth = 64
)

// WebSocketHub is a minimal push-notification sink: it subscribes itself
// to a Bus like any other listener and fans matching events out to
// registered connections as JSON text frames. It does not own an HTTP
// server or a route; accepting *websocket.Conn values and registering
// them is the embedding application's job, consistent with the
// HTTP/WebSocket API being out of scope for this module.
type WebSocketHub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *logger.Logger
}

// NewWebSocketHub creates a hub and subscribes it to bus.
func NewWebSocketHub(bus Bus, log *logger.Logger) *WebSocketHub {
	h := &WebSocketHub{
		clients: make(map[*Client]struct{}),
		logger:  log.WithFields(zap.String("component", "ws-hub")),
	}
	bus.Subscribe(h.broadcast)
	return h
}

// Register wraps conn as a Client filtered to taskIDs (empty = all tasks),
// starts its read/write pumps, and tracks it for broadcast.
func (h *WebSocketHub) Register(conn *websocket.Conn, taskIDs ...string) *Client {
	filter := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		filter[id] = true
	}
	c := &Client{hub: h, conn: conn, send: make(chan []byte, clientSendDepth), taskIDs: filter, logger: h.logger}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
	return c
}

// Unregister removes and closes c's send channel.
func (h *WebSocketHub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *WebSocketHub) broadcast(e Event) {
	env := e.Meta()
	msg, err := json.Marshal(struct {
		Kind   Kind   `json:"kind"`
		TaskID string `json:"task_id"`
		At     string `json:"at"`
	}{Kind: e.Kind(), TaskID: env.TaskID, At: env.At.Format(time.RFC3339Nano)})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if len(c.taskIDs) > 0 && !c.taskIDs[env.TaskID] {
			continue
		}
		c.Send(msg)
	}
}

// Client is one subscriber connection to the hub.
type Client struct {
	hub     *WebSocketHub
	conn    *websocket.Conn
	send    chan []byte
	mu      sync.RWMutex
	taskIDs map[string]bool
	logger  *logger.Logger
}

// Send enqueues msg for delivery; it never blocks. A full send buffer
// drops the message (the client will see a gap, not a hang).
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
