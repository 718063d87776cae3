// Package websocket pushes engine events to connected clients. Clients
// subscribe to topics ("NEW_TRADE", "ORDER_CANCELLED", ...); the
// engines publish through the Hub, which fans out to subscribers
// without ever blocking the publishing goroutine.
package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/openclob/ledger-clob/metrics"
)

// Hub maintains the set of active clients and fans out published
// events.
type Hub struct {
	logger log.Logger

	clients map[*Client]bool
	topics  map[string]map[*Client]bool // topic -> subscribers

	register    chan *Client
	unregister  chan *Client
	subscribe   chan *SubscriptionRequest
	unsubscribe chan *SubscriptionRequest
	publish     chan *Envelope

	stop chan struct{}
	done chan struct{}

	mu     sync.RWMutex
	config *HubConfig
}

// HubConfig contains hub configuration
type HubConfig struct {
	MaxSubscriptions int
	MessageRateLimit int // Messages per second per client
	PublishBuffer    int
}

// DefaultHubConfig returns default hub configuration
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		MaxSubscriptions: 50,
		MessageRateLimit: 100,
		PublishBuffer:    512,
	}
}

// SubscriptionRequest represents a subscription request
type SubscriptionRequest struct {
	Client *Client
	Topic  string
	Action string // "subscribe" or "unsubscribe"
}

// Envelope is one published event.
type Envelope struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
	Time    int64  `json:"time"`
}

// NewHub creates a new Hub
func NewHub(config *HubConfig, logger log.Logger) *Hub {
	if config == nil {
		config = DefaultHubConfig()
	}
	return &Hub{
		logger:      logger.With("component", "ws-hub"),
		clients:     make(map[*Client]bool),
		topics:      make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan *SubscriptionRequest, 256),
		unsubscribe: make(chan *SubscriptionRequest, 256),
		publish:     make(chan *Envelope, config.PublishBuffer),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		config:      config,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case req := <-h.subscribe:
			h.handleSubscription(req)

		case req := <-h.unsubscribe:
			h.handleUnsubscription(req)

		case env := <-h.publish:
			h.fanOut(env)

		case <-h.stop:
			h.closeAll()
			return
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	close(h.stop)
	<-h.done
}

// Publish queues an event for fan-out. Never blocks: when the hub is
// saturated or stopped the event is dropped, clients resynchronise
// from the REST API.
func (h *Hub) Publish(topic string, payload any) {
	env := &Envelope{Topic: topic, Payload: payload, Time: time.Now().UnixMilli()}
	select {
	case h.publish <- env:
	default:
		h.logger.Warn("publish buffer full, dropping event", "topic", topic)
	}
}

// registerClient adds a new client
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	metrics.GetCollector().WSConnectionsActive.Set(float64(len(h.clients)))
	h.logger.Debug("client connected", "client_id", client.id, "ip", client.ip)
}

// unregisterClient removes a client
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for topic, subs := range h.topics {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	close(client.send)
	metrics.GetCollector().WSConnectionsActive.Set(float64(len(h.clients)))
	h.logger.Debug("client disconnected", "client_id", client.id)
}

// handleSubscription handles a subscription request
func (h *Hub) handleSubscription(req *SubscriptionRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.topics[req.Topic]; !ok {
		h.topics[req.Topic] = make(map[*Client]bool)
	}
	h.topics[req.Topic][req.Client] = true

	confirmation := &WSMessage{Type: "subscribed", Topic: req.Topic}
	data, _ := json.Marshal(confirmation)
	req.Client.Send(data)
}

// handleUnsubscription handles an unsubscription request
func (h *Hub) handleUnsubscription(req *SubscriptionRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.topics[req.Topic]; ok {
		delete(subs, req.Client)
		if len(subs) == 0 {
			delete(h.topics, req.Topic)
		}
	}

	confirmation := &WSMessage{Type: "unsubscribed", Topic: req.Topic}
	data, _ := json.Marshal(confirmation)
	req.Client.Send(data)
}

// fanOut delivers an event to the topic's subscribers. A slow client
// drops the message rather than stalling the rest.
func (h *Hub) fanOut(env *Envelope) {
	h.mu.RLock()
	subs := h.topics[env.Topic]
	clients := make([]*Client, 0, len(subs))
	for client := range subs {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}
	msg := &WSMessage{Type: "event", Topic: env.Topic, Data: env}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal event", "topic", env.Topic, "err", err)
		return
	}
	for _, client := range clients {
		client.Send(data)
	}
	metrics.GetCollector().RecordWSMessage(env.Topic)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.topics = make(map[string]map[*Client]bool)
	metrics.GetCollector().WSConnectionsActive.Set(0)
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetTopicSubscriberCount returns the number of subscribers of a topic
func (h *Hub) GetTopicSubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// ServeWS handles WebSocket upgrade requests
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = generateID()
	}
	client := NewClient(h, conn, clientID, getClientIPFromRequest(r))

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// Helper function to get client IP
func getClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	for i := len(ip) - 1; i >= 0; i-- {
		if ip[i] == ':' {
			return ip[:i]
		}
	}
	return ip
}

// Generate a simple ID
func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
