package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"crawlfleet/internal/core/domain"
	"crawlfleet/internal/core/logger"
	"crawlfleet/internal/core/ports"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from a dashboard peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans coordinator events out to dashboard websockets.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Events to be broadcast to clients.
	broadcast chan domain.Event

	register   chan *Client
	unregister chan *Client

	events ports.EventPublisher
	done   chan struct{}
}

func NewHub(events ports.EventPublisher) *Hub {
	return &Hub{
		broadcast:  make(chan domain.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		events:     events,
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			wsConnections.WithLabelValues("dashboard").Inc()
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				wsConnections.WithLabelValues("dashboard").Dec()
			}
		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- event:
				default:
					close(client.send)
					delete(h.clients, client)
					wsConnections.WithLabelValues("dashboard").Dec()
				}
			}
		}
	}
}

// Broadcast queues an event for every connected dashboard. It drops the
// event when the hub is saturated.
func (h *Hub) Broadcast(event domain.Event) {
	select {
	case h.broadcast <- event:
	default:
		logger.Warn("Dashboard broadcast queue full, dropping event", "type", event.Type)
	}
}

// EventConsumer forwards coordinator events to the dashboards.
func (h *Hub) EventConsumer(ctx context.Context) {
	ch, err := h.events.SubscribeEvents(ctx)
	if err != nil {
		logger.Error("Failed to subscribe to coordinator events", "error", err)
		return
	}

	logger.Info("Dashboard event consumer started")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				logger.Info("Event channel closed, dashboard consumer exiting")
				return
			}
			h.Broadcast(event)
		}
	}
}

// Client is a middleman between a dashboard websocket and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan domain.Event
}

// readPump only services control frames; dashboards do not talk back.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

// writePump pumps events from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			enc := json.NewEncoder(w)
			enc.Encode(event)

			// Add queued events to the current websocket message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				enc.Encode(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// ServeWs handles dashboard websocket requests.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Dashboard websocket upgrade failed", "error", err)
		return
	}
	client := &Client{hub: hub, conn: conn, send: make(chan domain.Event, 256)}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
