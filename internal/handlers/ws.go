package handlers

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"emergencyd/internal/monitor"
)

// WSHandler upgrades connections for the live cluster-event feed.
type WSHandler struct {
	hub      *monitor.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler creates the websocket handler.
func NewWSHandler(hub *monitor.Hub) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Operator consoles connect from anywhere on the ward LAN.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Monitor streams cluster events to the client until it disconnects.
// GET /ws/cluster
func (h *WSHandler) Monitor(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("MONITOR: upgrade failed: %v", err)
		return
	}
	h.hub.Register(conn)

	// Drain (and discard) client frames so pings are answered and we
	// notice the disconnect.
	go func() {
		defer h.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
