// Package gateway is the push channel between the core and connected UI
// clients: a WebSocket broadcaster for event envelopes plus a command router
// for client requests.
package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTooManyConnections is returned by addClient when the maximum number of
// concurrent WebSocket connections has been reached.
var ErrTooManyConnections = errors.New("too many WebSocket connections")

// Envelope is the wire shape of every core→client message. Push messages
// carry Type+Event; command replies carry Type "response" plus the original
// command name.
type Envelope struct {
	Type      string      `json:"type"`
	Event     string      `json:"event,omitempty"`
	Command   string      `json:"command,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// Command is the client→core request shape.
type Command struct {
	Command string                 `json:"command"`
	Data    map[string]interface{} `json:"data"`
}

// Handler routes client commands and describes the connection greeting.
type Handler interface {
	// HandleCommand executes one command and returns its response payload.
	// Unknown commands return {"success": false, "message": "Unknown command: …"}.
	HandleCommand(command string, data map[string]interface{}) map[string]interface{}
	// ConnectedState is the payload of the system.connected greeting.
	ConnectedState() map[string]interface{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Hub owns the subscriber set. Every published envelope reaches every
// subscriber in publication order; iteration happens on a snapshot copy so
// registration never blocks a broadcast.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	handler  Handler
}

// NewHub creates a Hub. maxConns <= 0 means unlimited.
func NewHub(handler Handler, maxConns int) *Hub {
	return &Hub{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		handler:  handler,
	}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Publish broadcasts an event envelope to all subscribers. It satisfies the
// notification dispatcher's Publisher interface.
func (h *Hub) Publish(msgType, event string, data map[string]interface{}) {
	h.broadcast(Envelope{Type: msgType, Event: event, Data: data, Timestamp: nowISO()})
}

func (h *Hub) broadcast(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.sendTo(c, data)
	}
}

func (h *Hub) sendTo(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		// Client can't keep up, disconnect it
		log.Printf("ws client too slow, disconnecting")
		h.removeClient(c)
	}
}

func (h *Hub) sendEnvelope(c *client, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("envelope marshal error: %v", err)
		return
	}
	h.sendTo(c, data)
}

func (h *Hub) addClient(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	if h.maxConns > 0 && len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
		conn.Close()
		return nil, ErrTooManyConnections
	}

	c := newClient(conn)
	h.clients[c] = true
	h.mu.Unlock()

	h.sendEnvelope(c, Envelope{
		Type:      "system",
		Event:     "connected",
		Data:      h.handler.ConnectedState(),
		Timestamp: nowISO(),
	})
	return c, nil
}

// removeClient is idempotent: a client already gone is a no-op.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// readLoop consumes client frames until the connection drops. Malformed JSON
// gets an error envelope back without closing the subscription; well-formed
// commands are dispatched and answered with a single response envelope.
func (h *Hub) readLoop(c *client) {
	defer h.removeClient(c)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Command == "" {
			h.sendEnvelope(c, Envelope{
				Type:      "error",
				Event:     "invalid_message",
				Data:      map[string]interface{}{"message": "could not decode command"},
				Timestamp: nowISO(),
			})
			continue
		}

		result := h.handler.HandleCommand(cmd.Command, cmd.Data)
		h.sendEnvelope(c, Envelope{
			Type:      "response",
			Command:   cmd.Command,
			Data:      result,
			Timestamp: nowISO(),
		})
	}
}

// ClientCount reports the current number of subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}
