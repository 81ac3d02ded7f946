// Package ws streams position and alert events to websocket clients. Each
// client only receives events of the (user, tenant) it connected as.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Config configures the hub.
type Config struct {
	// Channel is the signal bus channel or pattern carrying encoded events.
	Channel string
	// AllowedOrigins restricts browser upgrades; empty allows any origin.
	AllowedOrigins []string
	// ReplayStreams are read when a client connects with ?since=<stream id>.
	ReplayStreams []string
	ReplayLimit   int
	StartedAt     time.Time
}

// IdentityFunc extracts the connecting owner from the upgrade request.
type IdentityFunc func(r *http.Request) (domain.Owner, bool)

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	owner domain.Owner

	mu        sync.RWMutex
	topics    map[string]bool
	positions map[string]bool
}

// subscribeMsg narrows what a client receives. Topics are "positions" and
// "alerts"; PositionIDs limits delivery to those positions when non-empty.
type subscribeMsg struct {
	Action      string   `json:"action"`
	Topics      []string `json:"topics"`
	PositionIDs []string `json:"position_ids"`
}

// Hub bridges the signal bus to connected websocket clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan domain.Event
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	identity   IdentityFunc
	upgrader   websocket.Upgrader
	cfg        Config
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub reading events from bus.
func NewHub(bus domain.SignalBus, identity IdentityFunc, cfg Config, logger *slog.Logger) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 100
	}
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan domain.Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		identity:   identity,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run subscribes to the bus and serves registrations until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	msgCh, err := h.bus.Subscribe(ctx, h.cfg.Channel)
	if err != nil {
		return err
	}
	h.logger.Info("ws: subscribed", slog.String("channel", h.cfg.Channel))
	go h.forward(ctx, msgCh)
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.String("user_id", c.owner.UserID),
				slog.Int("total_clients", n),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(evt) {
					continue
				}
				select {
				case c.send <- data:
				default:
					h.logger.Warn("ws: dropping message for slow client",
						slog.String("user_id", c.owner.UserID),
					)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) forward(ctx context.Context, msgCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: subscription closed", slog.String("channel", h.cfg.Channel))
				return
			}
			var evt domain.Event
			if err := json.Unmarshal(data, &evt); err != nil {
				h.logger.Warn("ws: undecodable event", slog.String("error", err.Error()))
				continue
			}
			select {
			case h.broadcast <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.identity(r)
	if !ok {
		http.Error(w, `{"error":"missing user or tenant identity"}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		owner:     owner,
		topics:    map[string]bool{domain.TopicPositions: true, domain.TopicAlerts: true},
		positions: map[string]bool{},
	}

	c.sendHello()
	if since := r.URL.Query().Get("since"); since != "" {
		h.replay(r.Context(), c, since)
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// replay queues the client's own events recorded after since. Delivery
// stops at the send buffer; the live stream continues from there.
func (h *Hub) replay(ctx context.Context, c *client, since string) {
	for _, stream := range h.cfg.ReplayStreams {
		msgs, err := h.bus.StreamRead(ctx, stream, since, h.cfg.ReplayLimit)
		if err != nil {
			h.logger.Warn("ws: replay read failed",
				slog.String("stream", stream),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, m := range msgs {
			var evt domain.Event
			if err := json.Unmarshal(m.Payload, &evt); err != nil || !c.wants(evt) {
				continue
			}
			select {
			case c.send <- m.Payload:
			default:
				return
			}
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// topicOf maps an event type ("position.closed", "alert.margin_call") to its
// topic.
func topicOf(eventType string) string {
	if strings.HasPrefix(eventType, "alert.") {
		return domain.TopicAlerts
	}
	return domain.TopicPositions
}

func (c *client) wants(evt domain.Event) bool {
	if evt.UserID != c.owner.UserID || evt.TenantID != c.owner.TenantID {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.topics[topicOf(evt.Type)] {
		return false
	}
	return len(c.positions) == 0 || c.positions[evt.PositionID]
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, t := range msg.Topics {
			c.topics[t] = true
		}
		for _, id := range msg.PositionIDs {
			c.positions[id] = true
		}
	case "unsubscribe":
		for _, t := range msg.Topics {
			delete(c.topics, t)
		}
		for _, id := range msg.PositionIDs {
			delete(c.positions, id)
		}
	}
}

// sendHello tells the client the stream is live before any event flows.
func (c *client) sendHello() {
	msg, err := json.Marshal(map[string]any{
		"type": "hello",
		"payload": map[string]any{
			"user_id":        c.owner.UserID,
			"tenant_id":      c.owner.TenantID,
			"topics":         []string{domain.TopicPositions, domain.TopicAlerts},
			"uptime_seconds": int64(time.Since(c.hub.cfg.StartedAt).Seconds()),
		},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) writePump() {
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
