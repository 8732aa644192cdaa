package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gigchat/internal/history"
	"gigchat/internal/metrics"
	"gigchat/internal/presence"
)

// Hub is the relay. Run owns every piece of connection state, so presence,
// relay and typing events are applied one at a time in arrival order.
type Hub struct {
	id        string
	clients   map[string]*Client // connection id -> client
	registry  *presence.Registry
	backplane Backplane
	logger    *zap.Logger
	metrics   *metrics.Metrics

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	remote     chan remoteFrame
	outbound   chan []byte
	done       chan struct{}

	// clients whose send buffer overflowed during the current event
	slow []*Client
}

type inbound struct {
	client *Client
	env    Envelope
}

// NewHub builds a hub around registry. backplane may be nil for a single
// instance deployment.
func NewHub(registry *presence.Registry, backplane Backplane, logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		id:         uuid.NewString(),
		clients:    make(map[string]*Client),
		registry:   registry,
		backplane:  backplane,
		logger:     logger,
		metrics:    m,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		remote:     make(chan remoteFrame, 256),
		outbound:   make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled, then closes every client and
// clears presence.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	if h.backplane != nil {
		go h.publishLoop(ctx)
		go h.subscribeLoop(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client.ID] = client
			h.metrics.Connections.Inc()
			h.logger.Debug("client_connected", zap.String("conn_id", client.ID), zap.String("user_id", client.UserID))

		case client := <-h.unregister:
			h.removeClient(client)

		case in := <-h.inbound:
			h.handle(in.client, in.env)

		case rf := <-h.remote:
			h.handleRemote(rf)
		}
		h.dropSlow()
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Dispatch queues an event read from c's connection.
func (h *Hub) Dispatch(c *Client, env Envelope) {
	select {
	case h.inbound <- inbound{client: c, env: env}:
	case <-h.done:
	}
}

func (h *Hub) shutdown() {
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.send)
	}
	h.registry.Clear()
	h.metrics.Connections.Set(0)
	h.metrics.OnlineUsers.Set(0)
	close(h.done)
}

func (h *Hub) handle(c *Client, env Envelope) {
	if _, ok := h.clients[c.ID]; !ok {
		// Raced with its own unregister.
		return
	}
	switch env.Event {
	case EventUserJoin:
		h.join(c, env.Data)
	case EventMessageSend:
		h.relay(c, env.Data)
	case EventTypingStart:
		h.typing(c, env.Data, true)
	case EventTypingStop:
		h.typing(c, env.Data, false)
	default:
		h.logger.Debug("unknown_event", zap.String("conn_id", c.ID), zap.String("event", env.Event))
	}
}

func (h *Hub) join(c *Client, data json.RawMessage) {
	var p JoinPayload
	_ = json.Unmarshal(data, &p)

	identity := p.UserID
	if c.UserID != "" {
		if identity != "" && identity != c.UserID {
			h.logger.Warn("join_identity_mismatch",
				zap.String("conn_id", c.ID),
				zap.String("claimed", identity),
				zap.String("authenticated", c.UserID))
		}
		identity = c.UserID
	}
	if identity == "" {
		return
	}

	h.registry.Join(identity, c.ID)
	h.logger.Info("user_joined", zap.String("user_id", identity), zap.String("conn_id", c.ID))
	h.broadcastOnline()
}

func (h *Hub) relay(c *Client, data json.RawMessage) {
	var p SendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.reject(c, p.Message, "malformed payload")
		return
	}

	msg := p.Message
	if c.UserID != "" {
		msg.SenderID = c.UserID
	}
	if p.ReceiverID == "" {
		p.ReceiverID = msg.ReceiverID
	}
	if p.ReceiverID == "" {
		h.reject(c, msg, "receiverId is required")
		return
	}
	msg.ReceiverID = p.ReceiverID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	outcome := metrics.OutcomeOffline
	receive, err := Encode(EventMessageReceive, ReceivePayload{ConversationID: p.ConversationID, Message: msg})
	if err != nil {
		h.logger.Error("encode_failed", zap.String("event", EventMessageReceive), zap.Error(err))
		return
	}
	if connID, ok := h.registry.Lookup(p.ReceiverID); ok {
		if rc, ok := h.clients[connID]; ok {
			h.deliver(rc, receive)
			outcome = metrics.OutcomeLive
		}
	} else if h.backplane != nil {
		h.forward(remoteFrame{ReceiverID: p.ReceiverID, Frame: receive})
		outcome = metrics.OutcomeRemote
	}
	h.metrics.Relayed.WithLabelValues(outcome).Inc()
	h.logger.Debug("message_relayed",
		zap.String("conversation_id", p.ConversationID),
		zap.String("sender_id", msg.SenderID),
		zap.String("receiver_id", msg.ReceiverID),
		zap.String("outcome", outcome))

	// The ack goes out whatever happened to the live push.
	h.sendTo(c, EventMessageSent, SentPayload{Success: true, Message: msg})
}

func (h *Hub) reject(c *Client, msg history.Message, reason string) {
	h.metrics.Relayed.WithLabelValues(metrics.OutcomeRejected).Inc()
	h.logger.Info("message_rejected", zap.String("conn_id", c.ID), zap.String("reason", reason))
	h.sendTo(c, EventMessageSent, SentPayload{Success: false, Message: msg, Error: reason})
}

func (h *Hub) typing(c *Client, data json.RawMessage, isTyping bool) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if c.UserID != "" {
		p.UserID = c.UserID
	}
	frame, err := Encode(EventTypingUpdate, TypingUpdatePayload{
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return
	}

	// Not scoped to the conversation: receivers filter on conversationId.
	for id, other := range h.clients {
		if id != c.ID {
			h.deliver(other, frame)
		}
	}
	if h.backplane != nil {
		h.forward(remoteFrame{Frame: frame})
	}
	h.metrics.TypingEvents.Inc()
}

func (h *Hub) handleRemote(rf remoteFrame) {
	if rf.Origin == h.id {
		return
	}
	if rf.ReceiverID == "" {
		for _, c := range h.clients {
			h.deliver(c, rf.Frame)
		}
		return
	}
	if connID, ok := h.registry.Lookup(rf.ReceiverID); ok {
		if c, ok := h.clients[connID]; ok {
			h.deliver(c, rf.Frame)
		}
	}
}

func (h *Hub) broadcastOnline() {
	h.metrics.OnlineUsers.Set(float64(h.registry.Len()))
	frame, err := Encode(EventUsersOnline, h.registry.Online())
	if err != nil {
		return
	}
	for _, c := range h.clients {
		h.deliver(c, frame)
	}
}

func (h *Hub) sendTo(c *Client, event string, data any) {
	frame, err := Encode(event, data)
	if err != nil {
		h.logger.Error("encode_failed", zap.String("event", event), zap.Error(err))
		return
	}
	h.deliver(c, frame)
}

func (h *Hub) deliver(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.metrics.DroppedFrames.Inc()
		h.slow = append(h.slow, c)
	}
}

// dropSlow disconnects clients that could not keep up. Removing one can
// trigger a presence broadcast that overflows another, hence the loop.
func (h *Hub) dropSlow() {
	for len(h.slow) > 0 {
		c := h.slow[0]
		h.slow = h.slow[1:]
		if _, ok := h.clients[c.ID]; ok {
			h.logger.Warn("client_too_slow", zap.String("conn_id", c.ID), zap.String("user_id", c.UserID))
			h.removeClient(c)
		}
	}
}

func (h *Hub) removeClient(c *Client) {
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	close(c.send)
	h.metrics.Connections.Dec()

	if userID, ok := h.registry.Remove(c.ID); ok {
		h.logger.Info("user_left", zap.String("user_id", userID), zap.String("conn_id", c.ID))
		h.broadcastOnline()
	}
}

func (h *Hub) forward(rf remoteFrame) {
	rf.Origin = h.id
	payload, err := json.Marshal(rf)
	if err != nil {
		return
	}
	select {
	case h.outbound <- payload:
	default:
		h.logger.Warn("backplane_queue_full")
	}
}

func (h *Hub) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-h.outbound:
			if err := h.backplane.Publish(ctx, payload); err != nil {
				h.logger.Error("backplane_publish_failed", zap.Error(err))
			}
		}
	}
}

func (h *Hub) subscribeLoop(ctx context.Context) {
	ch, err := h.backplane.Subscribe(ctx)
	if err != nil {
		h.logger.Error("backplane_subscribe_failed", zap.Error(err))
		return
	}
	for {
		var payload []byte
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			payload = p
		}

		var rf remoteFrame
		if err := json.Unmarshal(payload, &rf); err != nil {
			h.logger.Warn("backplane_bad_frame", zap.Error(err))
			continue
		}
		select {
		case h.remote <- rf:
		case <-ctx.Done():
			return
		}
	}
}
