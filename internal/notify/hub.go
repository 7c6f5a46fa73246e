// Package notify pushes sync monitor events to websocket clients such as the
// till's status bar and the back-office dashboard.
package notify

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/outletsync/internal/logging"
	"github.com/kimhsiao/outletsync/internal/sync/monitor"
	"github.com/kimhsiao/outletsync/internal/uuid"
)

const (
	sendBuffer      = 256
	broadcastBuffer = 256
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 30 * time.Second
)

// Envelope wraps every message sent to clients.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Hub fans monitor events out to connected websocket clients. It implements
// monitor.Observer.
type Hub struct {
	upgrader websocket.Upgrader

	clients    map[string]*client
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

var _ monitor.Observer = (*Hub)(nil)

// NewHub creates a hub and starts its dispatch loop. Browser connections
// are accepted from localhost and from allowedOrigins (host or host:port).
func NewHub(allowedOrigins ...string) *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	go h.run()
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// not a browser
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := u.Hostname()
		if host == "localhost" || net.ParseIP(host).IsLoopback() {
			return true
		}
		for _, a := range allowed {
			if a == u.Host || a == host {
				return true
			}
		}
		return false
	}
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Event client connected", map[string]interface{}{"client_id": c.id, "total": n})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Event client disconnected", map[string]interface{}{"client_id": c.id, "total": n})

		case message := <-h.broadcast:
			h.dispatch(message)
		}
	}
}

func (h *Hub) dispatch(message []byte) {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(message, &head)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if !c.wants(head.Type) {
			continue
		}
		select {
		case c.send <- message:
		default:
			// slow consumer
			close(c.send)
			delete(h.clients, id)
			logging.Warn("Dropping slow event client", map[string]interface{}{"client_id": id})
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message of the given type to every subscribed client.
// It never blocks; messages are dropped when the hub is backed up.
func (h *Hub) Broadcast(messageType string, data any) {
	bytes, err := json.Marshal(Envelope{Type: messageType, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		logging.Error("Failed to marshal event", err, map[string]interface{}{"type": messageType})
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- bytes:
	default:
		logging.Warn("Event broadcast queue full, dropping event", map[string]interface{}{"type": messageType})
	}
}

// Notify implements monitor.Observer.
func (h *Hub) Notify(e monitor.Event) {
	h.Broadcast(string(e.Type), e)
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Event stream upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// client is one websocket connection. With no subscriptions it receives
// every event.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	subMu         sync.RWMutex
	subscriptions map[string]bool
}

func (c *client) wants(eventType string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("Event client read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.subMu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.subMu.Unlock()
			c.reply(Envelope{Type: "subscribe_ack", Data: msg.Events, Timestamp: time.Now().Unix()})
		case "unsubscribe":
			c.subMu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.subMu.Unlock()
		case "ping":
			c.reply(Envelope{Type: "pong", Timestamp: time.Now().Unix()})
		}
	}
}

// reply queues a direct response. The hub may have closed send already, so
// it goes through the hub lock.
func (c *client) reply(e Envelope) {
	bytes, err := json.Marshal(e)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
