// WebSocket hub and client, adapted from the teacher's websocket.go.
// Trimmed to this domain's message types and kept as the package's single
// `Client` type (server.go's duplicate declaration was dropped, see the
// package doc comment in server.go).
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType discriminates outbound WS payloads.
type MessageType string

const (
	MsgTypeFill          MessageType = "fill"
	MsgTypeRiskAlert     MessageType = "risk_alert"
	MsgTypeCommandResult MessageType = "command_result"
	MsgTypeProgress      MessageType = "progress"
	MsgTypeSubscribe     MessageType = "subscribe"
	MsgTypeUnsubscribe   MessageType = "unsubscribe"
	MsgTypeHeartbeat     MessageType = "heartbeat"
	MsgTypeError         MessageType = "error"
)

// WSMessage is the envelope sent to and received from clients.
type WSMessage struct {
	Type      MessageType `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16
	heartbeatEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected WebSocket peer.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	subscriptions map[string]bool
}

// Hub fans broadcasts and per-channel publishes out to registered clients.
type Hub struct {
	logger *zap.Logger

	mu       sync.RWMutex
	clients  map[*Client]bool
	channels map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	ctx    chan struct{}
	closed bool
}

// NewHub builds a Hub. Call Run to start its event loop.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("ws"),
		clients:    make(map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		ctx:        make(chan struct{}),
	}
}

// Run drives registration, unregistration, broadcast, and the heartbeat
// ticker. Blocks until Close is called.
func (h *Hub) Run() {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				for _, members := range h.channels {
					delete(members, c)
				}
				close(c.send)
			}
			h.mu.Unlock()
		case payload := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					h.logger.Warn("client send buffer full, dropping", zap.String("client_id", c.id))
				}
			}
			h.mu.RUnlock()
		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}

func (h *Hub) sendHeartbeat() {
	payload, _ := json.Marshal(WSMessage{Type: MsgTypeHeartbeat, Timestamp: time.Now()})
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

// Broadcast sends a message to every connected client.
func (h *Hub) Broadcast(msgType MessageType, data interface{}) {
	payload, err := json.Marshal(WSMessage{Type: msgType, Data: data, Timestamp: time.Now()})
	if err != nil {
		h.logger.Error("marshal broadcast message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("broadcast buffer full, dropping message", zap.String("type", string(msgType)))
	}
}

// PublishToChannel sends a message only to clients subscribed to channel.
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data interface{}) {
	payload, err := json.Marshal(WSMessage{Type: msgType, Channel: channel, Data: data, Timestamp: time.Now()})
	if err != nil {
		h.logger.Error("marshal channel message", zap.Error(err))
		return
	}
	h.mu.RLock()
	members := h.channels[channel]
	recipients := make([]*Client, 0, len(members))
	for c := range members {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()
	for _, c := range recipients {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("client send buffer full, dropping", zap.String("client_id", c.id), zap.String("channel", channel))
		}
	}
}

func (h *Hub) subscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][c] = true
}

func (h *Hub) unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.channels[channel]; ok {
		delete(members, c)
	}
}

// Close stops the hub's event loop. Safe to call once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		id:            generateClientID(),
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, 64),
		subscriptions: make(map[string]bool),
	}
	s.hub.register <- c
	go c.writePump()
	go c.readPump()
}

var clientSeq uint64
var clientSeqMu sync.Mutex

func generateClientID() string {
	clientSeqMu.Lock()
	defer clientSeqMu.Unlock()
	clientSeq++
	return "client_" + time.Now().UTC().Format("150405.000000") + "_" + itoaLocal(clientSeq)
}

func itoaLocal(i uint64) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.handleCommand(msg)
	}
}

func (c *Client) handleCommand(msg WSMessage) {
	switch msg.Type {
	case MsgTypeSubscribe:
		if ch, ok := msg.Data.(string); ok {
			c.mu.Lock()
			c.subscriptions[ch] = true
			c.mu.Unlock()
			c.hub.subscribe(c, ch)
		}
	case MsgTypeUnsubscribe:
		if ch, ok := msg.Data.(string); ok {
			c.mu.Lock()
			delete(c.subscriptions, ch)
			c.mu.Unlock()
			c.hub.unsubscribe(c, ch)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
