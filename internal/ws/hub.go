package ws

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"watchpost/internal/pipeline"
)

const (
	sendBuffer = 16
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// client owns one connection. Only writePump writes to it.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	reason string
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue reports false when the client is stopped or its buffer is full
func (c *client) enqueue(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// stop ends writePump, which sends a close frame and closes the connection
func (c *client) stop(reason string) {
	c.once.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *client) writePump(log *logrus.Entry) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.WithError(err).Debug("Error sending to client")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, c.reason))
			return
		}
	}
}

// Hub fans tick, status and alarm messages out to dashboard connections.
// It is a pipeline.TickHandler and a pipeline.Alarm.
type Hub struct {
	clients    map[*websocket.Conn]*client
	mu         sync.RWMutex
	sendFrames bool
	alarmMu    sync.Mutex
	alarmOn    bool
	log        *logrus.Entry
}

// NewHub creates a hub; sendFrames embeds annotated JPEGs in tick messages
func NewHub(sendFrames bool, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]*client),
		sendFrames: sendFrames,
		log:        logger.WithField("component", "ws"),
	}
}

// register adds a connection and starts its writer
func (h *Hub) register(conn *websocket.Conn) *client {
	c := newClient(conn)
	go c.writePump(h.log)
	h.mu.Lock()
	h.clients[conn] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.WithField("clients", n).Debug("Client registered")
	return c
}

// unregister removes a connection and stops its writer
func (h *Hub) unregister(conn *websocket.Conn, reason string) {
	h.mu.Lock()
	c, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		c.stop(reason)
		h.log.WithField("reason", reason).Debug("Client unregistered")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a text message for every client without blocking.
// Clients whose queue is full are dropped.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(message) {
			h.unregister(c.conn, "client too slow")
		}
	}
}

// BroadcastJSON marshals v and broadcasts it
func (h *Hub) BroadcastJSON(v interface{}) {
	if h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Error("Error marshaling message")
		return
	}
	h.Broadcast(data)
}

// OnTick implements pipeline.TickHandler
func (h *Hub) OnTick(ev *pipeline.TickEvent) {
	if ev.Result == nil {
		h.BroadcastJSON(NewStatusMessage(ev))
		return
	}
	h.BroadcastJSON(NewTickMessage(ev, h.sendFrames))
}

// TriggerAlarm implements pipeline.Alarm. Every call is forwarded so late
// joiners start the siren within one tick.
func (h *Hub) TriggerAlarm(_ context.Context, threat string) {
	h.alarmMu.Lock()
	h.alarmOn = true
	h.alarmMu.Unlock()
	h.BroadcastJSON(NewAlarmMessage("on", threat))
}

// StopAlarm implements pipeline.Alarm
func (h *Hub) StopAlarm(context.Context) {
	h.alarmMu.Lock()
	h.alarmOn = false
	h.alarmMu.Unlock()
	h.BroadcastJSON(NewAlarmMessage("off", ""))
}

// AlarmOn reports the last alarm signal
func (h *Hub) AlarmOn() bool {
	h.alarmMu.Lock()
	defer h.alarmMu.Unlock()
	return h.alarmOn
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, c := range h.clients {
		c.stop("shutting down")
		delete(h.clients, conn)
	}
}

var (
	_ pipeline.TickHandler = (*Hub)(nil)
	_ pipeline.Alarm       = (*Hub)(nil)
)
