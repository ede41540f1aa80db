package server

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/presence"
	"github.com/Tyrowin/presencehub/internal/routing"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one authenticated WebSocket connection. It implements
// presence.Conn so the router can queue frames to it.
type Client struct {
	id       string
	conn     *websocket.Conn
	hub      *Hub
	addr     string
	identity presence.Identity
	log      *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient creates a client for an authenticated connection. Limits come
// from the active configuration.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, identity presence.Identity) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	log := zap.NewNop()
	if hub != nil {
		log = hub.log
	}

	return &Client{
		id:       id,
		conn:     conn,
		hub:      hub,
		addr:     addr,
		identity: identity,
		log: log.With(
			zap.String("conn_id", id),
			zap.String("user_id", identity.PrincipalID),
			zap.String("remote_addr", addr)),
		send:           make(chan []byte, cfg.SendBufferSize),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the connection id, unique per process.
func (c *Client) ID() string {
	return c.id
}

// Identity returns the triple the client authenticated with.
func (c *Client) Identity() presence.Identity {
	return c.identity
}

// Send queues frame without blocking. A client that cannot keep up is
// evicted: its queue is closed, the write pump flushes what is buffered and
// closes the connection, and the read pump unregisters it.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("send buffer full, evicting slow client", zap.Int("buffered", len(c.send)))
		c.closeLocked()
		return false
	}
}

// closeSend stops further sends and lets the write pump finish. Safe to call
// more than once.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs the reason the read loop stops.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message exceeded maximum size", zap.Int64("max_bytes", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("client connection closed", zap.Error(err))
	default:
		c.log.Warn("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the client may send another message now.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Warn("rate limit exceeded, discarding message",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// parseMessage decodes a client frame. Only chat_message and client_message
// frames are accepted.
func (c *Client) parseMessage(raw []byte) (inboundMessage, bool) {
	var env routing.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("invalid frame from client", zap.Error(err))
		return inboundMessage{}, false
	}
	switch env.Event {
	case routing.EventChatMessage, routing.EventClientMessage:
	default:
		c.log.Warn("unsupported event from client", zap.String("event", string(env.Event)))
		return inboundMessage{}, false
	}

	var req routing.ChatRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		c.log.Warn("invalid message data", zap.String("event", string(env.Event)), zap.Error(err))
		return inboundMessage{}, false
	}
	return inboundMessage{client: c, event: env.Event, request: req}, true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		msg, ok := c.parseMessage(raw)
		if !ok {
			continue
		}
		if !c.hub.enqueue(msg) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.writeCloseMessage(websocket.CloseNormalClosure, "")
				return
			}
			// One envelope per WebSocket frame.
			if !c.writeFrame(websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !c.writeFrame(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) writeFrame(messageType int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing to client", zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Client) writeCloseMessage(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("error writing close message", zap.Error(err))
		}
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("error closing connection in writePump", zap.Error(err))
	}
}
