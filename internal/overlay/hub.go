// Package overlay serves the shell page that hosts the content frame and
// streams session views to it over a WebSocket.
package overlay

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avaropoint/kiosk/internal/logger"
	"github.com/avaropoint/kiosk/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 8
	maxInbound = 4096
)

//go:embed shell.html
var shellPage []byte

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub fans out view and settings messages to every connected shell page.
// Late joiners receive the latest of each immediately.
type Hub struct {
	mu       sync.Mutex
	clients  map[string]*client
	view     []byte
	settings []byte
	retry    func()
	closed   bool

	upgrader websocket.Upgrader
	log      logger.Logger
}

// NewHub creates a Hub.
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		log: log.WithComponent("overlay"),
	}
}

// OnRetry sets the function run when the shell page asks for a retry.
func (h *Hub) OnRetry(fn func()) {
	h.mu.Lock()
	h.retry = fn
	h.mu.Unlock()
}

// Publish sends v to every client and keeps it for new ones.
func (h *Hub) Publish(v protocol.View) {
	h.publish(protocol.TypeView, v, func(data []byte) { h.view = data })
}

// PublishSettings sends s to every client and keeps it for new ones.
func (h *Hub) PublishSettings(s protocol.Settings) {
	h.publish(protocol.TypeSettings, s, func(data []byte) { h.settings = data })
}

func (h *Hub) publish(typ string, payload any, keep func([]byte)) {
	msg, err := protocol.NewMessage(typ, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", typ).Msg("Encoding overlay message failed")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", typ).Msg("Encoding overlay message failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	keep(data)
	for id, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn().Str("client", id).Msg("Overlay client too slow, disconnecting")
			delete(h.clients, id)
			c.close()
		}
	}
}

// ClientCount returns the number of connected shell pages.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		c.close()
	}
}

// Register adds the overlay routes to mux.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.ServeShell)
	mux.HandleFunc("GET /overlay/ws", h.ServeWS)
	mux.HandleFunc("POST /overlay/retry", h.ServeRetry)
}

// ServeShell writes the shell page.
func (h *Hub) ServeShell(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(shellPage)
}

// ServeRetry triggers the retry handler.
func (h *Hub) ServeRetry(w http.ResponseWriter, _ *http.Request) {
	if !h.triggerRetry() {
		http.Error(w, "retry unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Hub) triggerRetry() bool {
	h.mu.Lock()
	fn := h.retry
	h.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

// ServeWS upgrades the request and streams messages until the client leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("Overlay upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return
	}
	for _, data := range [][]byte{h.settings, h.view} {
		if data != nil {
			c.send <- data
		}
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Debug().Str("client", c.id).Int("clients", count).Msg("Overlay client connected")

	go h.writeLoop(c)
	h.readLoop(c)

	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.close()

	h.log.Debug().Str("client", c.id).Msg("Overlay client disconnected")
}

func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(maxInbound)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed overlay message")
			continue
		}
		if msg.Type == protocol.TypeRetry {
			h.triggerRetry()
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
