// Package monitor broadcasts cluster events (leader changes, peer
// joins and losses, replication results) to websocket clients so an
// operator console can watch the ward cluster live.
package monitor

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one cluster happening pushed to clients.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	NodeID    int         `json:"node_id"`
	Data      interface{} `json:"data"`
}

// Hub manages the websocket connections.
type Hub struct {
	nodeID int

	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

// NewHub creates a hub for this node.
func NewHub(nodeID int) *Hub {
	return &Hub{
		nodeID:     nodeID,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run is the hub's event loop; start it on its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			log.Printf("MONITOR: client connected, total=%d", len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteJSON(ev); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client connection.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister drops a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// Broadcast queues an event for every connected client. Never blocks —
// if the buffer is full the event is dropped.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	select {
	case h.broadcast <- Event{Type: eventType, Timestamp: time.Now(), NodeID: h.nodeID, Data: data}:
	default:
	}
}
