package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"metereye/internal/model"
	"metereye/internal/registry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

const clientSendBuffer = 256

// Hub fans live readings out to websocket clients. It subscribes to the
// registry once and never blocks the publishing worker: a client whose
// send buffer is full loses messages, not the pipeline.
type Hub struct {
	reg *registry.Registry

	mu      sync.RWMutex
	clients map[*wsClient]bool

	unsubscribe func()
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// envelope is the wire format for one pushed event.
type envelope struct {
	Type string      `json:"type"` // "reading" | "indicator"
	Data model.Event `json:"data"`
	TS   string      `json:"ts"`
}

// NewHub creates the hub and registers it with the registry.
func NewHub(reg *registry.Registry) *Hub {
	h := &Hub{
		reg:     reg,
		clients: make(map[*wsClient]bool),
	}
	h.unsubscribe = reg.Subscribe(h.broadcast)
	return h
}

// Close detaches from the registry and disconnects every client.
func (h *Hub) Close() {
	h.unsubscribe()
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// broadcast runs on the publishing worker's goroutine; it must never block.
func (h *Hub) broadcast(ev model.Event) {
	kind := "reading"
	if ev.Indicator != nil {
		kind = "indicator"
	}
	msg, err := json.Marshal(envelope{
		Type: kind,
		Data: ev,
		TS:   ev.Time().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow client: skip this message.
		}
	}
	h.mu.RUnlock()
}

// HandleWS upgrades the connection and serves it until the peer goes away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] ws upgrade error: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	// Latest state first so a fresh dashboard renders immediately.
	for _, ev := range h.reg.LatestReadings() {
		kind := "reading"
		if ev.Indicator != nil {
			kind = "indicator"
		}
		if msg, err := json.Marshal(envelope{Type: kind, Data: ev, TS: ev.Time().Format(time.RFC3339Nano)}); err == nil {
			select {
			case c.send <- msg:
			default:
			}
		}
	}

	go c.writePump()
	c.readPump(h)
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump discards inbound messages; the stream is one-way. It exists to
// notice the peer closing.
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
