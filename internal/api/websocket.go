package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Enforce same-origin for browser clients; CLI clients send no Origin.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		host := r.Host
		if rest, ok := strings.CutPrefix(origin, "http://"); ok {
			return rest == host
		}
		if rest, ok := strings.CutPrefix(origin, "https://"); ok {
			return rest == host
		}
		return false
	},
}

// WSMessage is a topic-based message sent to clients. The topic is the
// event type, e.g. "workflow.completed".
type WSMessage struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// wsClient represents a connected WebSocket client with subscriptions
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	topics map[string]bool
}

// wants reports whether the client subscribed to topic, to its family
// ("workflow" for "workflow.step") or to everything ("*").
func (c *wsClient) wants(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.topics["*"] || c.topics[topic] {
		return true
	}
	family, _, _ := strings.Cut(topic, ".")
	return c.topics[family]
}

func (c *wsClient) subscribe(topics []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if on {
			c.topics[t] = true
		} else {
			delete(c.topics, t)
		}
	}
}

// WSManager fans hub events out to websocket clients.
type WSManager struct {
	hub    *events.Hub
	sub    <-chan events.Event
	logger *logging.Logger

	mutex   sync.RWMutex
	clients map[*wsClient]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSManager subscribes to every hub event and starts forwarding.
func NewWSManager(hub *events.Hub, logger *logging.Logger) *WSManager {
	m := &WSManager{
		hub:     hub,
		sub:     hub.Subscribe(1024),
		logger:  logging.OrDefault(logger),
		clients: make(map[*wsClient]struct{}),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *WSManager) run() {
	for {
		select {
		case <-m.done:
			return
		case e, ok := <-m.sub:
			if !ok {
				return
			}
			m.publishAt(string(e.Type), e.Timestamp, e.Data)
		}
	}
}

// Publish sends a message to all clients subscribed to the given topic
func (m *WSManager) Publish(topic string, data any) {
	m.publishAt(topic, time.Now(), data)
}

func (m *WSManager) publishAt(topic string, ts time.Time, data any) {
	msgBytes, err := json.Marshal(WSMessage{Topic: topic, Timestamp: ts, Data: data})
	if err != nil {
		m.logger.Warn("dropping unencodable event", "topic", topic, "error", err)
		return
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for client := range m.clients {
		if !client.wants(topic) {
			continue
		}
		select {
		case client.send <- msgBytes:
		default:
			// Client buffer full, skip
		}
	}
}

// Clients returns the number of connected clients.
func (m *WSManager) Clients() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients)
}

func (m *WSManager) register(c *wsClient) {
	m.mutex.Lock()
	m.clients[c] = struct{}{}
	m.mutex.Unlock()
}

func (m *WSManager) unregister(c *wsClient) {
	m.mutex.Lock()
	if _, ok := m.clients[c]; ok {
		delete(m.clients, c)
		close(c.send)
	}
	m.mutex.Unlock()
}

// Close stops forwarding and disconnects every client.
func (m *WSManager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.hub.Unsubscribe(m.sub)

		m.mutex.Lock()
		for c := range m.clients {
			delete(m.clients, c)
			close(c.send)
		}
		m.mutex.Unlock()
	})
}

// readPump handles subscription changes from a client:
// {"action":"subscribe","topics":["workflow"]}.
func (c *wsClient) readPump(m *WSManager) {
	defer func() {
		m.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Action string   `json:"action"`
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.subscribe(msg.Topics, true)
		case "unsubscribe":
			c.subscribe(msg.Topics, false)
		}
	}
}

// writePump sends messages and keepalive pings to the client
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleEventsWS upgrades to a websocket streaming hub events. Initial
// subscriptions come from ?topics=a,b; without it the client gets everything.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.wsManager == nil {
		WriteError(w, http.StatusServiceUnavailable, "event stream not enabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		topics: make(map[string]bool),
	}
	topics := []string{"*"}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = strings.Split(raw, ",")
	}
	client.subscribe(topics, true)

	s.wsManager.register(client)
	go client.writePump()
	go client.readPump(s.wsManager)
}
