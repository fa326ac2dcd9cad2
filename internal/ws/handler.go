package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // Room for base64 encoded JPEG frames
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades /ws requests and attaches them to the hub
type Handler struct {
	hub *Hub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.WithError(err).Warn("Upgrade error")
		return
	}

	h.hub.log.WithField("remote", r.RemoteAddr).Info("New dashboard connection")
	c := h.hub.register(conn)

	// Late joiners hear a sounding alarm immediately
	if h.hub.AlarmOn() {
		if data, err := json.Marshal(NewAlarmMessage("on", "")); err == nil {
			c.enqueue(data)
		}
	}

	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnection
func (h *Handler) readPump(c *client) {
	conn := c.conn
	defer h.hub.unregister(conn, "connection closed")

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.log.WithError(err).Debug("Read error")
			}
			return
		}
	}
}
