package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclob/ledger-clob/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must stay below pongWait
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// subscribableTopic validates a requested topic against the published
// catalogue: "orderbook:{pair}", "trades:{pair}", "trades:all",
// "balance:{party}", and "system". Anything else is rejected at
// subscribe time so typos surface immediately.
func subscribableTopic(topic string) bool {
	if topic == types.TopicAllTrades || topic == types.TopicSystem {
		return true
	}
	for _, prefix := range []string{"orderbook:", "trades:", "balance:"} {
		if strings.HasPrefix(topic, prefix) && len(topic) > len(prefix) {
			return true
		}
	}
	return false
}

// Client is one WebSocket connection. All writes to the peer go
// through the buffered send channel; a slow consumer drops events
// rather than blocking the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	id string
	ip string

	subscriptions map[string]bool
	subMu         sync.RWMutex

	messageCount int
	lastReset    time.Time
	rateMu       sync.Mutex

	connectedAt   time.Time
	lastMessageAt time.Time
}

// ClientMessage is an inbound client request.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe", "unsubscribe", "ping"
	Topic  string `json:"topic"`
}

func NewClient(hub *Hub, conn *websocket.Conn, id, ip string) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		id:            id,
		ip:            ip,
		subscriptions: make(map[string]bool),
		connectedAt:   time.Now(),
		lastReset:     time.Now(),
	}
}

// readPump drains inbound frames until the peer goes away, then
// unregisters the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", "client_id", c.id, "err", err)
			}
			return
		}
		c.lastMessageAt = time.Now()

		if !c.allowMessage() {
			c.sendError("rate_limit_exceeded", "too many messages")
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("invalid_message", "message is not valid JSON")
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.handleSubscribe(msg.Topic)
		case "unsubscribe":
			c.handleUnsubscribe(msg.Topic)
		case "ping":
			c.pong()
		default:
			c.sendError("unknown_action", "unknown action: "+msg.Action)
		}
	}
}

// writePump flushes the send buffer to the peer and keeps the
// connection alive with pings. Queued events are batched into one
// frame per wakeup.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleSubscribe(topic string) {
	if !subscribableTopic(topic) {
		c.sendError("unknown_topic", "unknown topic: "+topic)
		return
	}

	c.subMu.Lock()
	if len(c.subscriptions) >= c.hub.config.MaxSubscriptions {
		c.subMu.Unlock()
		c.sendError("subscription_limit", "maximum subscription limit reached")
		return
	}
	c.subscriptions[topic] = true
	c.subMu.Unlock()

	c.hub.subscribe <- &SubscriptionRequest{
		Client: c,
		Topic:  topic,
		Action: "subscribe",
	}
}

func (c *Client) handleUnsubscribe(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()

	c.hub.unsubscribe <- &SubscriptionRequest{
		Client: c,
		Topic:  topic,
		Action: "unsubscribe",
	}
}

func (c *Client) pong() {
	data, _ := json.Marshal(&WSMessage{
		Type: "pong",
		Data: map[string]any{"timestamp": time.Now().UnixMilli()},
	})
	c.Send(data)
}

// allowMessage caps inbound messages per client per second.
func (c *Client) allowMessage() bool {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()

	now := time.Now()
	if now.Sub(c.lastReset) >= time.Second {
		c.messageCount = 0
		c.lastReset = now
	}
	c.messageCount++
	return c.messageCount <= c.hub.config.MessageRateLimit
}

func (c *Client) sendError(code, message string) {
	data, _ := json.Marshal(&WSMessage{
		Type: "error",
		Data: map[string]string{"code": code, "message": message},
	})
	c.Send(data)
}

// Send queues a message, dropping it when the buffer is full.
func (c *Client) Send(message []byte) {
	select {
	case c.send <- message:
	default:
	}
}

// GetID returns the client ID.
func (c *Client) GetID() string {
	return c.id
}

// GetSubscriptions returns the client's current topic subscriptions.
func (c *Client) GetSubscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	subs := make([]string, 0, len(c.subscriptions))
	for sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}
