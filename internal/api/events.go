package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wustus/vibes/internal/app/session"
)

// HubConfig holds configuration for event feed connections.
type HubConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	Backlog        int // events replayed to a new subscriber
	SendBuffer     int
}

// DefaultHubConfig returns default feed configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 512,
		Backlog:        32,
		SendBuffer:     64,
	}
}

// EventHub fans session stage events out to WebSocket subscribers.
type EventHub struct {
	mu       sync.RWMutex
	clients  map[*subscriber]struct{}
	backlog  [][]byte
	upgrader websocket.Upgrader
	config   HubConfig

	broadcastCh chan session.Event
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *EventHub
}

// NewEventHub creates a hub. Call Start to begin delivery.
func NewEventHub(cfg HubConfig) *EventHub {
	return &EventHub{
		clients: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API binds to the local interface; CORS governs browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		config:      cfg,
		broadcastCh: make(chan session.Event, 256),
	}
}

// Start delivers published events until ctx ends, then closes every
// subscriber.
func (h *EventHub) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev := <-h.broadcastCh:
			h.broadcast(ev)
		}
	}
}

// Publish queues ev for delivery. It never blocks and so can be passed to
// Session.Observe directly.
func (h *EventHub) Publish(ev session.Event) {
	select {
	case h.broadcastCh <- ev:
	default:
		log.Warn().Str("component", "api").Str("stage", string(ev.Stage)).Msg("event feed full, dropping event")
	}
}

// Clients returns the number of connected subscribers.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleEvents upgrades the request and streams events as JSON text
// messages, starting with the recent backlog.
func (h *EventHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "api").Err(err).Msg("event feed upgrade failed")
		return
	}

	sub := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.config.SendBuffer+h.config.Backlog),
		hub:  h,
	}

	h.mu.Lock()
	for _, msg := range h.backlog {
		sub.send <- msg
	}
	h.clients[sub] = struct{}{}
	h.mu.Unlock()

	go sub.writePump()
	go sub.readPump()

	log.Debug().Str("component", "api").Str("subscriber", sub.id).Msg("event feed subscribed")
}

func (h *EventHub) broadcast(ev session.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Error().Str("component", "api").Err(err).Msg("marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.backlog = append(h.backlog, msg)
	if over := len(h.backlog) - h.config.Backlog; over > 0 {
		h.backlog = h.backlog[over:]
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			log.Warn().Str("component", "api").Str("subscriber", c.id).Msg("subscriber too slow, closing")
			delete(h.clients, c)
			close(c.send)
			c.conn.Close()
		}
	}
}

func (h *EventHub) unregister(c *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *EventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (c *subscriber) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Str("component", "api").Str("subscriber", c.id).Err(err).Msg("event write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only drains control frames so pongs and closes are seen.
func (c *subscriber) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Str("component", "api").Str("subscriber", c.id).Err(err).Msg("event feed closed")
			}
			return
		}
	}
}
