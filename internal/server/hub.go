package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/presence"
	"github.com/Tyrowin/presencehub/internal/routing"
)

const hubQueueSize = 256

// Hub owns the connections of this process and is its single event stream:
// registrations, disconnects, client messages and external events are
// handled one at a time by Run.
type Hub struct {
	registry   *presence.Registry
	router     *routing.Router
	aggregator *routing.Aggregator
	log        *zap.Logger
	upgrader   websocket.Upgrader

	// clients is only touched by the Run goroutine.
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundMessage
	external   chan routing.Event

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub with an empty registry whose changes are pushed to
// clients by an aggregator.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("hub")

	registry := presence.NewRegistry()
	router := routing.NewRouter(registry, log)
	aggregator := routing.NewAggregator(router, log)
	registry.SetObserver(aggregator)

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:   registry,
		router:     router,
		aggregator: aggregator,
		log:        log,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundMessage, hubQueueSize),
		external:   make(chan routing.Event, hubQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Registry returns the presence registry of this process.
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// Router returns the router delivering events to this hub's connections.
func (h *Hub) Router() *routing.Router {
	return h.router
}

// Run processes hub events until Shutdown is called. It should be started in
// its own goroutine.
func (h *Hub) Run() {
	defer close(h.done)
	h.log.Info("hub started")

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case msg := <-h.inbound:
			h.handleInbound(msg)

		case ev := <-h.external:
			h.router.Dispatch(ev)
		}
	}
}

// DispatchExternal queues an event read from the external channel. It blocks
// while the hub queue is full, until ctx ends or the hub stops.
func (h *Hub) DispatchExternal(ctx context.Context, ev routing.Event) error {
	select {
	case h.external <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) enqueue(msg inboundMessage) bool {
	select {
	case h.inbound <- msg:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handleRegister(c *Client) {
	if c == nil {
		h.log.Warn("received nil client registration; skipping")
		return
	}

	h.clients[c] = struct{}{}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()

	// The acknowledgement is queued before registration so it precedes the
	// presence frames the registration triggers.
	if ack, err := routing.EncodeFrame(routing.EventConnected, routing.Notice{Message: connectedMessage}); err == nil {
		c.Send(ack)
	}

	replaced := h.registry.Register(c.identity, c)
	if replaced != nil {
		if old, ok := replaced.Conn.(*Client); ok && old != c {
			h.log.Info("superseding previous connection",
				zap.String("user_id", c.identity.PrincipalID),
				zap.String("previous_conn_id", old.ID()),
				zap.String("conn_id", c.ID()))
			old.closeSend()
		}
	}

	h.log.Info("client registered",
		zap.String("user_id", c.identity.PrincipalID),
		zap.String("group_id", c.identity.GroupID),
		zap.String("role", string(c.identity.Role)),
		zap.String("conn_id", c.ID()),
		zap.Int("sessions", h.registry.Len()))
}

func (h *Hub) handleUnregister(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.closeSend()

	fields := []zap.Field{
		zap.String("user_id", c.identity.PrincipalID),
		zap.String("conn_id", c.ID()),
	}
	if session, ok := h.registry.Lookup(c.identity.PrincipalID); ok && session.Conn == presence.Conn(c) {
		fields = append(fields, zap.Duration("connected_for", time.Since(session.JoinedAt)))
	}

	removed := h.registry.UnregisterConn(c.identity.PrincipalID, c)
	h.log.Info("client unregistered", append(fields,
		zap.Bool("session_removed", removed),
		zap.Int("sessions", h.registry.Len()))...)
}

func (h *Hub) handleInbound(msg inboundMessage) {
	c := msg.client
	session, ok := h.registry.Lookup(c.identity.PrincipalID)
	if !ok || session.Conn != presence.Conn(c) {
		h.log.Debug("dropping message from superseded connection", zap.String("conn_id", c.ID()))
		return
	}

	if msg.event == routing.EventClientMessage {
		// Answered on this connection only; never relayed to other processes.
		h.router.Emit(presence.UserRoom(c.identity.PrincipalID), routing.EventServerMessage,
			routing.Notice{Message: serverMessagePrefix + msg.request.Message})
		return
	}

	data, err := json.Marshal(routing.ChatDelivery{
		From:    c.identity.PrincipalID,
		Message: msg.request.Message,
	})
	if err != nil {
		h.log.Error("failed to encode chat delivery", zap.Error(err))
		return
	}

	h.router.Dispatch(routing.Event{
		Type:          routing.EventChatMessage,
		TargetUserID:  msg.request.ToUserID,
		TargetGroupID: msg.request.ToGroupID,
		OriginRole:    c.identity.Role,
		Sender:        c.identity.PrincipalID,
		Data:          data,
		Source:        routing.SourceLocal,
	})
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	h.log.Info("shutting down client connections", zap.Int("clients", len(h.clients)))

	for c := range h.clients {
		c.writeCloseMessage(websocket.CloseGoingAway, "server shutting down")
		c.closeSend()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("error closing client connection", zap.Error(err))
		}
	}
}

// Shutdown stops the hub and waits for every client goroutine to finish, or
// for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")
	h.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		return context.DeadlineExceeded
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.log.Info("hub shutdown completed")
		return nil
	case <-timer.C:
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
