package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/spotcycle/internal/events"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	clientSendBuf  = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected operator websocket session.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans every event published on the bus out to every connected
// operator client — the sole consumer of internal/events outside the
// cycle pipeline itself.
type Hub struct {
	logger *zap.Logger
	bus    *events.Bus

	mu      sync.Mutex
	clients map[string]*Client

	sub     *events.Subscription
	nextID  int
}

// NewHub subscribes to bus and starts fanning events out to clients
// registered via ServeWS.
func NewHub(logger *zap.Logger, bus *events.Bus) *Hub {
	h := &Hub{logger: logger.Named("api.hub"), bus: bus, clients: make(map[string]*Client)}
	h.sub = bus.SubscribeAll(h.broadcast)
	return h
}

func (h *Hub) broadcast(event events.Event) error {
	payload, err := marshalEvent(event)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("client send buffer full, dropping connection", zap.String("client", id))
			close(c.send)
			delete(h.clients, id)
		}
	}
	return nil
}

// ServeWS upgrades the request to a websocket and registers the
// resulting client with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.nextID++
	id := "ops-" + itoaHub(h.nextID)
	c := &Client{id: id, conn: conn, send: make(chan []byte, clientSendBuf), hub: h}
	h.clients[id] = c
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func itoaHub(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[pos:])
}

// readPump discards inbound traffic (this hub is broadcast-only) and
// exists to detect disconnects and service the pong deadline.
func (c *Client) readPump() {
	defer c.close()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func (c *Client) close() {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.hub.clients[c.id]; ok {
		delete(c.hub.clients, c.id)
	}
}

// Close unsubscribes the hub from the event bus. It does not close
// client connections — those drain on their own readPump error.
func (h *Hub) Close() {
	h.bus.Unsubscribe(h.sub)
}
