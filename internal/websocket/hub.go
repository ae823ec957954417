package websocket

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/observer/carechat/internal/auth"
	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/metrics"
	"github.com/observer/carechat/internal/pubsub"
)

const presenceTopicPrefix = "presence.user."

// Hub maintains the set of active clients and routes their frames onto a
// pubsub backend. Several relay instances sharing a Redis or NATS backend
// see each other's events.
type Hub struct {
	// Authenticated clients by user ID (one user can have multiple connections)
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex

	backend      pubsub.PubSub
	store        MessageStore
	tokens       *auth.TokenService
	publishLimit rate.Limit
	publishBurst int
	now          func() time.Time
	logger       *slog.Logger
}

// MessageStore persists relayed messages and read marks so they show up
// in REST history
type MessageStore interface {
	SaveMessage(ctx context.Context, msg domain.Message) error
	MarkRead(ctx context.Context, roomID, userID string) error
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithMessageStore records every relayed message in store before it is published
func WithMessageStore(store MessageStore) HubOption {
	return func(h *Hub) {
		h.store = store
	}
}

// WithPublishLimit caps how fast one peer may publish
func WithPublishLimit(limit rate.Limit, burst int) HubOption {
	return func(h *Hub) {
		h.publishLimit = limit
		h.publishBurst = burst
	}
}

// WithClock overrides the timestamp source for relayed events
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		h.now = now
	}
}

// NewHub creates a new Hub
func NewHub(backend pubsub.PubSub, tokens *auth.TokenService, logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
		backend:    backend,
		tokens:     tokens,
		now:        time.Now,
		logger:     logger.With("component", "relay"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.stopped) })

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.handleRegister(client)
		case client := <-h.unregister:
			h.handleUnregister(client)
		}
	}
}

// Serve runs the hub under a supervisor
func (h *Hub) Serve(ctx context.Context) error {
	h.Run(ctx)
	return ctx.Err()
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopped:
		h.handleRegister(client)
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
		h.handleUnregister(client)
	}
}

func (h *Hub) handleRegister(client *Client) {
	if h.publishLimit > 0 {
		client.limiter = rate.NewLimiter(h.publishLimit, h.publishBurst)
	}
	metrics.RelayPeers.Inc()
	h.logger.Debug("client connected", "remote_addr", client.conn.RemoteAddr())
}

func (h *Hub) handleUnregister(client *Client) {
	userID := client.UserID()
	wentOffline := false

	h.mu.Lock()
	if userID != "" {
		if clients, ok := h.clients[userID]; ok && clients[client] {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.clients, userID)
				wentOffline = true
			}
		}
	}
	h.mu.Unlock()

	client.release()
	metrics.RelayPeers.Dec()

	if wentOffline {
		h.publishPresence(context.Background(), userID, false)
	}
	h.logger.Debug("client disconnected", "user_id", userID)
}

// HandleFrame processes one incoming frame
func (h *Hub) HandleFrame(ctx context.Context, client *Client, f *Frame) {
	metrics.RelayFrames.WithLabelValues(f.Type).Inc()

	switch f.Type {
	case FrameAuth:
		h.handleAuth(ctx, client, f.Payload)
	case FrameSubscribe:
		h.handleSubscribe(ctx, client, f)
	case FrameUnsubscribe:
		h.handleUnsubscribe(client, f)
	case FramePublish:
		h.handlePublish(ctx, client, f)
	default:
		client.sendError(CodeUnknownFrame, "Unknown frame type: "+f.Type, f.ID)
	}
}

func (h *Hub) handleAuth(ctx context.Context, client *Client, payload json.RawMessage) {
	var p AuthPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError(CodeInvalidPayload, "Invalid auth payload", "")
		return
	}

	claims, err := h.tokens.ValidateAccessToken(p.Token)
	if err != nil {
		client.sendError(CodeAuthFailed, "Invalid or expired token", "")
		return
	}

	h.Authenticate(ctx, client, claims)
}

// Authenticate binds client to the identity in claims and announces the
// user online if this is their first connection
func (h *Hub) Authenticate(ctx context.Context, client *Client, claims *auth.Claims) {
	userID := claims.Identity()
	if prev := client.UserID(); prev != "" && prev != userID {
		client.sendError(CodeAuthFailed, "Connection already authenticated as another user", "")
		return
	}

	client.SetUser(userID, claims.Username)

	h.mu.Lock()
	firstConn := len(h.clients[userID]) == 0
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]bool)
	}
	h.clients[userID][client] = true
	h.mu.Unlock()

	f, _ := NewFrame(FrameAuthSuccess, AuthSuccessPayload{
		UserID:   userID,
		Username: claims.Username,
	})
	_ = client.Send(f)

	if firstConn {
		h.publishPresence(ctx, userID, true)
	}

	h.logger.Info("client authenticated", "user_id", userID, "username", claims.Username)
}

func (h *Hub) handleSubscribe(ctx context.Context, client *Client, f *Frame) {
	if !client.IsAuthenticated() {
		client.sendError(CodeNotAuthenticated, "Must authenticate first", f.ID)
		return
	}
	if f.ID == "" {
		client.sendError(CodeInvalidFrame, "Subscribe requires an id", "")
		return
	}
	if err := pubsub.ValidateTopic(f.Topic); err != nil {
		client.sendError(CodeInvalidTopic, err.Error(), f.ID)
		return
	}

	subID := f.ID
	topic := f.Topic
	sub, err := h.backend.Subscribe(ctx, topic, func(ctx context.Context, msg *pubsub.Message) {
		_ = client.Send(&Frame{
			Type:      FrameEvent,
			ID:        subID,
			Topic:     topic,
			EventType: msg.Type,
			Payload:   msg.Payload,
			Timestamp: h.now(),
		})
	})
	if err != nil {
		h.logger.Error("backend subscribe failed", "error", err, "topic", topic)
		client.sendError(CodePublishFailed, "Subscribe failed", f.ID)
		return
	}

	if prev := client.addSubscription(subID, sub); prev != nil {
		_ = prev.Unsubscribe()
	}

	// New presence subscribers learn the current state immediately
	if userID, ok := strings.CutPrefix(topic, presenceTopicPrefix); ok {
		payload, _ := json.Marshal(domain.PresenceEvent{UserID: userID, Online: h.IsUserOnline(userID)})
		_ = client.Send(&Frame{
			Type:      FrameEvent,
			ID:        subID,
			Topic:     topic,
			EventType: pubsub.EventPresence,
			Payload:   payload,
			Timestamp: h.now(),
		})
	}

	h.logger.Debug("client subscribed", "user_id", client.UserID(), "topic", topic, "sub_id", subID)
}

func (h *Hub) handleUnsubscribe(client *Client, f *Frame) {
	if sub := client.removeSubscription(f.ID); sub != nil {
		_ = sub.Unsubscribe()
	}
}

func (h *Hub) handlePublish(ctx context.Context, client *Client, f *Frame) {
	if !client.IsAuthenticated() {
		client.sendError(CodeNotAuthenticated, "Must authenticate first", f.ID)
		return
	}
	if !client.allow() {
		client.sendError(CodeRateLimited, "Too many messages", f.ID)
		return
	}

	roomID, action, ok := pubsub.ParseDestination(f.Topic)
	if !ok {
		client.sendError(CodeUnknownRoute, "Unknown destination: "+f.Topic, f.ID)
		return
	}

	var err error
	switch action {
	case pubsub.ActionSend:
		err = h.routeSend(ctx, client, roomID, f)
	case pubsub.ActionTyping:
		err = h.routeTyping(ctx, client, roomID, f)
	case pubsub.ActionRead:
		err = h.routeRead(ctx, client, roomID)
	default:
		client.sendError(CodeUnknownRoute, "Unknown destination: "+f.Topic, f.ID)
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrEmptyMessage):
		client.sendError(CodeEmptyMessage, "Message cannot be empty", f.ID)
	case errors.Is(err, domain.ErrMessageTooLong):
		client.sendError(CodeMessageTooLong, "Message exceeds maximum length", f.ID)
	case errors.Is(err, errInvalidPayload):
		client.sendError(CodeInvalidPayload, "Invalid payload for "+action, f.ID)
	default:
		h.logger.Error("relay publish failed", "error", err, "destination", f.Topic)
		client.sendError(CodePublishFailed, "Failed to publish", f.ID)
	}
}

var errInvalidPayload = errors.New("invalid payload")

func (h *Hub) routeSend(ctx context.Context, client *Client, roomID string, f *Frame) error {
	var p domain.OutgoingMessage
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return errInvalidPayload
	}

	content, err := domain.ValidateContent(p.Content)
	if err != nil {
		return err
	}

	msg := domain.Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		SenderID:   client.UserID(),
		SenderName: client.Username(),
		Content:    content,
		CreatedAt:  h.now(),
		Status:     domain.MessageStatusSent,
		TempID:     p.TempID,
	}
	if h.store != nil {
		if err := h.store.SaveMessage(ctx, msg); err != nil {
			return err
		}
	}
	return h.publish(ctx, pubsub.Topics.RoomMessages(roomID), pubsub.EventMessageNew, msg)
}

func (h *Hub) routeTyping(ctx context.Context, client *Client, roomID string, f *Frame) error {
	var p domain.TypingSignal
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return errInvalidPayload
	}

	signal := domain.TypingSignal{
		RoomID:   roomID,
		UserID:   client.UserID(),
		UserName: client.Username(),
		IsTyping: p.IsTyping,
	}
	return h.publish(ctx, pubsub.Topics.RoomTyping(roomID), pubsub.EventTyping, signal)
}

func (h *Hub) routeRead(ctx context.Context, client *Client, roomID string) error {
	receipt := domain.ReadReceipt{
		RoomID:   roomID,
		ReaderID: client.UserID(),
		ReadAt:   h.now(),
	}
	if h.store != nil {
		if err := h.store.MarkRead(ctx, roomID, receipt.ReaderID); err != nil {
			return err
		}
	}
	return h.publish(ctx, pubsub.Topics.RoomReads(roomID), pubsub.EventReceiptRead, receipt)
}

func (h *Hub) publishPresence(ctx context.Context, userID string, online bool) {
	event := domain.PresenceEvent{UserID: userID, Online: online}
	if err := h.publish(ctx, pubsub.Topics.Presence(userID), pubsub.EventPresence, event); err != nil && !errors.Is(err, pubsub.ErrClosed) {
		h.logger.Warn("failed to publish presence", "error", err, "user_id", userID)
	}
}

func (h *Hub) publish(ctx context.Context, topic, eventType string, payload interface{}) error {
	msg, err := pubsub.NewMessage(topic, eventType, payload)
	if err != nil {
		return err
	}
	if err := h.backend.Publish(ctx, topic, msg); err != nil {
		return err
	}
	metrics.RelayPublished.WithLabelValues(eventType).Inc()
	return nil
}

// IsUserOnline checks if a user has any active connections
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}
