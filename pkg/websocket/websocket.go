package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var ErrQueueFull = errors.New("websocket broadcast queue full")

// Message is the envelope written to clients
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	To        string      `json:"to,omitempty"`
	Group     string      `json:"group,omitempty"`
}

// Connection is one upgraded client. Groups are fixed at connect time by the server.
type Connection struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *Hub
	Groups map[string]bool

	lastPing atomic.Int64
}

func (c *Connection) touch() { c.lastPing.Store(time.Now().UnixNano()) }

func (c *Connection) LastPing() time.Time { return time.Unix(0, c.lastPing.Load()) }

type direct struct {
	conn *Connection
	data []byte
}

// Hub owns every connection. All writes to Connection.Send happen on the
// run goroutine, so a channel is never written after it is closed.
type Hub struct {
	connections      map[string]*Connection
	userConnections  map[string]map[string]bool
	groupConnections map[string]map[string]bool

	broadcast  chan *Message
	direct     chan direct
	register   chan *Connection
	unregister chan *Connection

	connectionCount int64
	config          *Config
	mu              sync.RWMutex
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
}

func NewHub(config *Config) *Hub {
	if config == nil {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	hub := &Hub{
		connections:      make(map[string]*Connection),
		userConnections:  make(map[string]map[string]bool),
		groupConnections: make(map[string]map[string]bool),
		broadcast:        make(chan *Message, config.MessageQueueSize),
		direct:           make(chan direct, config.MessageQueueSize),
		register:         make(chan *Connection, 64),
		unregister:       make(chan *Connection, 64),
		config:           config,
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *Hub) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case conn := <-h.register:
			h.registerConnection(conn)
		case conn := <-h.unregister:
			h.unregisterConnection(conn)
		case d := <-h.direct:
			h.mu.RLock()
			_, ok := h.connections[d.conn.ID]
			h.mu.RUnlock()
			if ok {
				h.trySend(d.conn, d.data)
			}
		case message := <-h.broadcast:
			if message.Timestamp == 0 {
				message.Timestamp = time.Now().Unix()
			}
			data, err := json.Marshal(message)
			if err != nil {
				logrus.Errorf("websocket message marshal failed: %v", err)
				continue
			}
			switch {
			case message.To != "":
				h.sendToUser(message.To, data)
			case message.Group != "":
				h.sendToGroup(message.Group, data)
			default:
				h.sendToAll(data)
			}
		case <-ticker.C:
			h.checkHeartbeats()
		}
	}
}

func (h *Hub) registerConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if atomic.LoadInt64(&h.connectionCount) >= h.config.MaxConnections {
		if conn.Conn != nil {
			_ = conn.Conn.Close()
		}
		close(conn.Send)
		logrus.Warnf("websocket connection limit reached: %d", h.config.MaxConnections)
		return
	}

	conn.touch()
	h.connections[conn.ID] = conn
	atomic.AddInt64(&h.connectionCount, 1)

	if conn.UserID != "" {
		if h.userConnections[conn.UserID] == nil {
			h.userConnections[conn.UserID] = make(map[string]bool)
		}
		h.userConnections[conn.UserID][conn.ID] = true
	}
	for group := range conn.Groups {
		if h.groupConnections[group] == nil {
			h.groupConnections[group] = make(map[string]bool)
		}
		h.groupConnections[group][conn.ID] = true
	}

	logrus.Infof("websocket registered: %s user=%s total=%d",
		conn.ID, conn.UserID, atomic.LoadInt64(&h.connectionCount))
}

func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.connections[conn.ID]; !exists {
		return
	}
	delete(h.connections, conn.ID)
	atomic.AddInt64(&h.connectionCount, -1)

	if conn.UserID != "" && h.userConnections[conn.UserID] != nil {
		delete(h.userConnections[conn.UserID], conn.ID)
		if len(h.userConnections[conn.UserID]) == 0 {
			delete(h.userConnections, conn.UserID)
		}
	}
	for group := range conn.Groups {
		if h.groupConnections[group] != nil {
			delete(h.groupConnections[group], conn.ID)
			if len(h.groupConnections[group]) == 0 {
				delete(h.groupConnections, group)
			}
		}
	}

	close(conn.Send)
	logrus.Infof("websocket unregistered: %s total=%d", conn.ID, atomic.LoadInt64(&h.connectionCount))
}

func (h *Hub) sendToUser(userID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID := range h.userConnections[userID] {
		if conn, ok := h.connections[connID]; ok {
			h.trySend(conn, data)
		}
	}
}

func (h *Hub) sendToGroup(group string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID := range h.groupConnections[group] {
		if conn, ok := h.connections[connID]; ok {
			h.trySend(conn, data)
		}
	}
}

func (h *Hub) sendToAll(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.connections {
		h.trySend(conn, data)
	}
}

// trySend never blocks the run loop; a slow consumer loses the message
// and, with CloseOnBackpressure, its connection
func (h *Hub) trySend(conn *Connection, data []byte) {
	select {
	case conn.Send <- data:
	default:
		logrus.Warnf("websocket send buffer full: conn=%s user=%s", conn.ID, conn.UserID)
		if h.config.CloseOnBackpressure && conn.Conn != nil {
			_ = conn.Conn.Close()
		}
	}
}

func (h *Hub) checkHeartbeats() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	for _, conn := range h.connections {
		if now.Sub(conn.LastPing()) > h.config.ConnectionTimeout {
			logrus.Warnf("websocket heartbeat timeout: %s", conn.ID)
			if conn.Conn != nil {
				_ = conn.Conn.Close()
			}
		}
	}
}

func (h *Hub) enqueue(message *Message) error {
	select {
	case h.broadcast <- message:
		return nil
	case <-h.ctx.Done():
		return h.ctx.Err()
	default:
		return ErrQueueFull
	}
}

// SendToUser queues msgType for every connection of userID
func (h *Hub) SendToUser(userID, msgType string, data interface{}) error {
	return h.enqueue(&Message{Type: msgType, Data: data, To: userID})
}

func (h *Hub) SendToGroup(group, msgType string, data interface{}) error {
	return h.enqueue(&Message{Type: msgType, Data: data, Group: group})
}

func (h *Hub) Broadcast(msgType string, data interface{}) error {
	return h.enqueue(&Message{Type: msgType, Data: data})
}

func (h *Hub) GetConnectionCount() int64 {
	return atomic.LoadInt64(&h.connectionCount)
}

func (h *Hub) GetUserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConnections[userID])
}

func (h *Hub) GetGroupConnections(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groupConnections[group])
}

// Close stops the hub and closes every client socket
func (h *Hub) Close() {
	h.cancel()
	<-h.done

	h.mu.Lock()
	for _, conn := range h.connections {
		if conn.Conn != nil {
			_ = conn.Conn.Close()
		}
	}
	h.mu.Unlock()

	logrus.Info("websocket hub closed")
}
