package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trading-autopilot/internal/events"
	"trading-autopilot/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ops port is not exposed to browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient is one event-stream connection. An empty filter receives every
// event type.
type WSClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *WSHub
	types     map[events.EventType]bool
	sessionID string
	closeOnce sync.Once
}

func (c *WSClient) wants(ev events.Event) bool {
	if len(c.types) > 0 && !c.types[ev.Type] {
		return false
	}
	return c.sessionID == "" || c.sessionID == ev.SessionID
}

// WSHub fans bus events out to connected clients. A client whose buffer is
// full is disconnected rather than allowed to stall the others.
type WSHub struct {
	bus    *events.Bus
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]bool

	register   chan *WSClient
	unregister chan *WSClient
}

// NewWSHub creates a hub reading from bus.
func NewWSHub(bus *events.Bus, logger *logging.Logger) *WSHub {
	if logger == nil {
		logger = logging.Default()
	}
	return &WSHub{
		bus:        bus,
		logger:     logger.WithComponent("ws"),
		clients:    make(map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run pumps events until ctx is done, then disconnects every client.
func (h *WSHub) Run(ctx context.Context) {
	sub := h.bus.Subscribe(events.DefaultBuffer * 4)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.drop(client)

		case ev, ok := <-sub.C:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *WSHub) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("Failed to marshal event", "type", string(ev.Type), "error", err.Error())
		return
	}

	h.mu.RLock()
	var slow []*WSClient
	for client := range h.clients {
		if !client.wants(ev) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("Event stream client too slow, disconnecting", "remote", client.conn.RemoteAddr().String())
		h.drop(client)
	}
}

// drop removes a client and closes its send channel once.
func (h *WSHub) drop(client *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()
	if ok {
		client.closeOnce.Do(func() { close(client.send) })
	}
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]bool)
	h.mu.Unlock()
	for client := range clients {
		client.closeOnce.Do(func() { close(client.send) })
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump pumps messages from the hub to the websocket connection
func (c *WSClient) writePump() {
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

// readPump only services control frames; clients never send data.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		default:
			c.hub.drop(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Event stream read error", "error", err.Error())
			}
			return
		}
	}
}

// parseTypes reads a comma-separated "types" query value.
func parseTypes(raw string) map[events.EventType]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[events.EventType]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[events.EventType(t)] = true
		}
	}
	return out
}

// handleEvents upgrades to a websocket and streams events. Optional query
// parameters: types=a,b and session=<id>.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", "error", err.Error())
		return
	}

	client := &WSClient{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		hub:       s.hub,
		types:     parseTypes(c.Query("types")),
		sessionID: c.Query("session"),
	}

	welcome, _ := json.Marshal(gin.H{
		"type":      "connected",
		"timestamp": time.Now().UTC(),
	})
	client.send <- welcome

	select {
	case s.hub.register <- client:
	case <-c.Request.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
