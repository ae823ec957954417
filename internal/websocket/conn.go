package websocket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/observer/carechat/internal/pubsub"
)

// handshakeTimeout bounds dial plus authentication when ctx has no deadline
const handshakeTimeout = 10 * time.Second

// ErrAuthRejected is returned by Dial when the relay refuses the token
var ErrAuthRejected = errors.New("websocket: authentication rejected")

// Conn is the client side of the relay protocol. It implements
// pubsub.PubSub over one WebSocket: subscriptions and publishes become
// frames, event frames are dispatched to handlers on the read pump in
// arrival order.
type Conn struct {
	conn     *websocket.Conn
	send     chan []byte
	identity AuthSuccessPayload

	mu       sync.RWMutex
	handlers map[string]*connSubscription

	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

type connSubscription struct {
	c       *Conn
	id      string
	topic   string
	handler pubsub.Handler
	once    sync.Once
}

func (s *connSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.c.mu.Lock()
		delete(s.c.handlers, s.id)
		s.c.mu.Unlock()

		err = s.c.writeFrame(context.Background(), &Frame{Type: FrameUnsubscribe, ID: s.id})
		if errors.Is(err, pubsub.ErrClosed) {
			err = nil
		}
	})
	return err
}

// Dialer returns a pubsub.Dialer that connects to the relay at url
func Dialer(url string, logger *slog.Logger) pubsub.Dialer {
	return func(ctx context.Context, token string) (pubsub.PubSub, error) {
		return Dial(ctx, url, token, logger)
	}
}

// Dial connects to the relay, authenticates with token and waits for
// auth.success before returning.
func Dial(ctx context.Context, url, token string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "websocket", "url", url)

	dialer := websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: true,
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("%w (status %d)", ErrAuthRejected, resp.StatusCode)
			}
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	identity, err := awaitAuth(ctx, ws)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := &Conn{
		conn:     ws,
		send:     make(chan []byte, 256),
		identity: identity,
		handlers: make(map[string]*connSubscription),
		done:     make(chan struct{}),
		logger:   logger.With("user_id", identity.UserID),
	}

	go c.writePump()
	go c.readPump()

	c.logger.Info("connected to relay")
	return c, nil
}

// awaitAuth reads frames until the relay confirms or rejects the session
func awaitAuth(ctx context.Context, ws *websocket.Conn) (AuthSuccessPayload, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return AuthSuccessPayload{}, ErrAuthRejected
			}
			return AuthSuccessPayload{}, fmt.Errorf("waiting for auth: %w", err)
		}

		for _, raw := range bytes.Split(data, []byte{'\n'}) {
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				continue
			}
			switch f.Type {
			case FrameAuthSuccess:
				var p AuthSuccessPayload
				if err := json.Unmarshal(f.Payload, &p); err != nil {
					return AuthSuccessPayload{}, fmt.Errorf("decode auth.success: %w", err)
				}
				return p, nil
			case FrameError:
				var p ErrorPayload
				_ = json.Unmarshal(f.Payload, &p)
				if p.Code == CodeAuthFailed || p.Code == CodeNotAuthenticated {
					return AuthSuccessPayload{}, fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
				}
				return AuthSuccessPayload{}, fmt.Errorf("relay error %s: %s", p.Code, p.Message)
			}
		}
	}
}

// UserID returns the identity the relay authenticated
func (c *Conn) UserID() string {
	return c.identity.UserID
}

// Subscribe sends a subscribe frame and routes matching events to handler
func (c *Conn) Subscribe(ctx context.Context, topic string, handler pubsub.Handler) (pubsub.Subscription, error) {
	if err := pubsub.ValidateTopic(topic); err != nil {
		return nil, err
	}

	sub := &connSubscription{
		c:       c,
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
	}

	c.mu.Lock()
	c.handlers[sub.id] = sub
	c.mu.Unlock()

	if err := c.writeFrame(ctx, &Frame{Type: FrameSubscribe, ID: sub.id, Topic: topic}); err != nil {
		c.mu.Lock()
		delete(c.handlers, sub.id)
		c.mu.Unlock()
		return nil, err
	}

	return sub, nil
}

// Publish sends msg to an outbound destination
func (c *Conn) Publish(ctx context.Context, destination string, msg *pubsub.Message) error {
	return c.writeFrame(ctx, &Frame{
		Type:      FramePublish,
		Topic:     destination,
		EventType: msg.Type,
		Payload:   msg.Payload,
		Timestamp: time.Now(),
	})
}

func (c *Conn) writeFrame(ctx context.Context, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	select {
	case <-c.done:
		return pubsub.ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return pubsub.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPump dispatches inbound frames until the socket fails
func (c *Conn) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// Relay pings count as liveness too
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	ctx := context.Background()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("relay connection lost", "error", err)
			}
			return
		}

		// The relay may batch frames separated by newlines
		for _, raw := range bytes.Split(data, []byte{'\n'}) {
			if len(raw) == 0 {
				continue
			}
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				c.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			c.dispatch(ctx, &f)
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, f *Frame) {
	switch f.Type {
	case FrameEvent:
		c.mu.RLock()
		sub, ok := c.handlers[f.ID]
		c.mu.RUnlock()
		if !ok {
			return
		}
		sub.handler(ctx, &pubsub.Message{
			Topic:   f.Topic,
			Type:    f.EventType,
			Payload: f.Payload,
		})
	case FrameError:
		var p ErrorPayload
		_ = json.Unmarshal(f.Payload, &p)
		c.logger.Warn("relay reported error", "code", p.Code, "message", p.Message, "frame_id", p.ID)
	case FrameAuthSuccess:
		// already authenticated
	default:
		c.logger.Debug("ignoring frame", "type", f.Type)
	}
}

// writePump is the only writer of data frames on the socket
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("relay write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = c.conn.Close()

		c.mu.Lock()
		c.handlers = make(map[string]*connSubscription)
		c.mu.Unlock()
	})
}

// Close closes the socket; Done is closed as a result
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

// Done is closed once the socket is gone
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
