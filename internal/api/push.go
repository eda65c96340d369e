package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/metrics"
	"github.com/sawpanic/marketd/internal/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// pushMessage is the outbound wire format of the push surface.
type pushMessage struct {
	Event   string      `json:"event"`
	Symbol  string      `json:"symbol,omitempty"`
	Symbols []string    `json:"symbols,omitempty"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// clientCommand is what connected clients send: channel subscriptions with
// an optional symbol filter. Filtering happens server-side.
type clientCommand struct {
	Action  string   `json:"action"` // "subscribe" | "unsubscribe"
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

type pushClient struct {
	conn *websocket.Conn
	send chan pushMessage

	mu      sync.Mutex
	closed  bool
	filters map[string]map[market.Symbol]bool // topic -> symbol set; empty set = all symbols
}

// wants reports whether the client subscribed to (topic, symbol).
func (c *pushClient) wants(topic string, sym market.Symbol) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.filters[topic]
	if !ok {
		return false
	}
	return len(set) == 0 || set[sym]
}

func (c *pushClient) setFilter(topic string, symbols []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !on {
		delete(c.filters, topic)
		return
	}
	set := make(map[market.Symbol]bool, len(symbols))
	for _, s := range symbols {
		set[market.Symbol(s)] = true
	}
	c.filters[topic] = set
}

// Hub fans bus events out to push clients. Each client has a bounded send
// queue; a client that stays full is evicted rather than ever blocking the
// hub or other clients.
type Hub struct {
	svc        *service.Service
	register   chan *pushClient
	unregister chan *pushClient
	clients    map[*pushClient]bool
	done       chan struct{}
}

// NewHub creates the hub; Run must be started for delivery to happen.
func NewHub(svc *service.Service) *Hub {
	return &Hub{
		svc:        svc,
		register:   make(chan *pushClient),
		unregister: make(chan *pushClient),
		clients:    make(map[*pushClient]bool),
		done:       make(chan struct{}),
	}
}

// Run consumes the event bus until ctx ends. The hub's own bus subscription
// uses the configured capacity and policy, so a burst of market data costs
// drops, not latency.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	capacity, policy := h.svc.BusDefaults()
	sub := h.svc.Bus().Subscribe("push-hub",
		[]string{market.TopicTicker, market.TopicOrderBook, market.TopicBackfill},
		capacity, policy)
	defer h.svc.Bus().Unsubscribe("push-hub")

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			metrics.PushClients.Set(float64(len(h.clients)))
		case client := <-h.unregister:
			h.drop(client)
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			h.broadcast(env)
		}
	}
}

func (h *Hub) broadcast(env market.Envelope) {
	msg := pushMessage{Event: env.Topic, Symbol: string(env.Symbol)}
	switch {
	case env.Ticker != nil:
		msg.Data = env.Ticker
	case env.Book != nil:
		msg.Data = env.Book
	case env.Backfill != nil:
		msg.Data = env.Backfill
	}

	for client := range h.clients {
		if !client.wants(env.Topic, env.Symbol) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			// Persistent backpressure; cut the client loose.
			log.Warn().Msg("push client too slow, evicting")
			h.drop(client)
		}
	}
}

func (h *Hub) drop(client *pushClient) {
	if h.clients[client] {
		delete(h.clients, client)
		client.mu.Lock()
		client.closed = true
		close(client.send)
		client.mu.Unlock()
		metrics.PushClients.Set(float64(len(h.clients)))
	}
}

// ServeWS upgrades an HTTP request into a push connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("push upgrade failed")
		return
	}
	client := &pushClient{
		conn:    conn,
		send:    make(chan pushMessage, 64),
		filters: make(map[string]map[market.Symbol]bool),
	}
	// The hub may already have shut down; never park an upgrade on a
	// register nobody is draining.
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump(h)
}

func (c *pushClient) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)

	for {
		var cmd clientCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			return
		}
		topic := pushTopic(cmd.Channel)
		if topic == "" {
			c.enqueue(pushMessage{Event: "error", Data: "unknown channel: " + cmd.Channel})
			continue
		}
		switch cmd.Action {
		case "subscribe":
			c.setFilter(topic, cmd.Symbols, true)
			c.enqueue(pushMessage{Event: "subscribed", Channel: cmd.Channel, Symbols: cmd.Symbols})
		case "unsubscribe":
			c.setFilter(topic, nil, false)
			c.enqueue(pushMessage{Event: "unsubscribed", Channel: cmd.Channel})
		default:
			c.enqueue(pushMessage{Event: "error", Data: "unknown action: " + cmd.Action})
		}
	}
}

func (c *pushClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		raw, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
}

// enqueue best-effort queues a control message to the client itself. The
// closed check keeps the read pump from racing an eviction.
func (c *pushClient) enqueue(msg pushMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func pushTopic(channel string) string {
	switch channel {
	case market.TopicTicker, "ticker":
		return market.TopicTicker
	case market.TopicOrderBook, "orderbook":
		return market.TopicOrderBook
	case market.TopicBackfill, "backfill":
		return market.TopicBackfill
	}
	return ""
}
