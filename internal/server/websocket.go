package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/unifiedai/recall/internal/engine"
)

// EventHub fans pipeline events out to WebSocket subscribers. Dashboards use
// it to refresh as items are captured and enriched without polling.
type EventHub struct {
	events <-chan engine.Event
	unsub  func()

	mu      sync.Mutex
	clients map[*wsClient]bool

	ctx    context.Context
	cancel context.CancelFunc
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewEventHub subscribes to the engine's event stream.
func NewEventHub(eng *engine.Engine) *EventHub {
	events, unsub := eng.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	return &EventHub{
		events:  events,
		unsub:   unsub,
		clients: make(map[*wsClient]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run forwards engine events to every connected client until Stop is called.
func (h *EventHub) Run() {
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("server: failed to marshal event: %v", err)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Slow client: drop it rather than stall the stream.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop disconnects all clients and unsubscribes from the engine.
func (h *EventHub) Stop() {
	h.cancel()
	h.unsub()

	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		_ = client.conn.Close(websocket.StatusNormalClosure, "")
	}
	h.clients = make(map[*wsClient]bool)
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("server: websocket client connected (total: %d)", total)

	go h.writePump(client)
	go h.readPump(client)
}

func (h *EventHub) writePump(c *wsClient) {
	defer h.drop(c)

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			return
		}
	}
}

// readPump drains client messages to detect disconnection; the stream is
// one-way.
func (h *EventHub) readPump(c *wsClient) {
	defer h.drop(c)

	for {
		if _, _, err := c.conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *EventHub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	log.Printf("server: websocket client disconnected (total: %d)", total)
}
