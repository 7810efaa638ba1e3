package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultSendBuffer = 256
	writeWait         = 10 * time.Second
)

// client is one websocket viewer of an agent terminal. All writes to conn
// happen on writePump.
type client struct {
	agentID string
	conn    *websocket.Conn
	send    chan []byte
}

func newClient(agentID string, conn *websocket.Conn, buffer int) *client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	c := &client{
		agentID: agentID,
		conn:    conn,
		send:    make(chan []byte, buffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// Hub tracks the connected viewers of each agent and fans terminal output
// out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]struct{})}
}

// Add registers c. It returns false once CloseAll has run; the caller
// still owns c.
func (h *Hub) Add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.agentID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.agentID] = set
	}
	set[c] = struct{}{}
	return true
}

// Remove drops c and stops its write pump. Empty sets are pruned. It
// reports whether c was still registered.
func (h *Hub) Remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) bool {
	set, ok := h.clients[c.agentID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.agentID)
	}
	return true
}

// Broadcast queues data for every viewer of agentID without blocking. A
// viewer whose queue is full is disconnected; the others are unaffected.
func (h *Hub) Broadcast(agentID string, data []byte) {
	var slow []*client

	h.mu.RLock()
	for c := range h.clients[agentID] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if h.removeLocked(c) {
			log.Printf("ws client for agent %s too slow, disconnecting", agentID)
		}
	}
	h.mu.Unlock()
}

// Count returns the number of viewers of agentID.
func (h *Hub) Count(agentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[agentID])
}

func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// CloseAll disconnects every viewer and refuses later Adds.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	n := 0
	for id, set := range h.clients {
		for c := range set {
			close(c.send)
			n++
		}
		delete(h.clients, id)
	}
	return n
}
