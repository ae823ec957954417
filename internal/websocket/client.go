package websocket

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/observer/carechat/internal/metrics"
	"github.com/observer/carechat/internal/pubsub"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer
	maxMessageSize = 65536
)

// Client represents a peer connected to the relay
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   string
	username string
	subs     map[string]pubsub.Subscription // subscription id -> backend subscription
	limiter  *rate.Limiter
	closed   bool
	mu       sync.RWMutex
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// NewClient creates a new client
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		subs:   make(map[string]pubsub.Subscription),
		logger: logger,
	}
}

// SetCancelFunc sets the context cancel function for cleanup
func (c *Client) SetCancelFunc(cancel context.CancelFunc) {
	c.cancel = cancel
}

// SetUser sets the authenticated user info
func (c *Client) SetUser(userID, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.username = username
}

// UserID returns the client's user ID
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Username returns the client's username
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// IsAuthenticated returns true if the client has authenticated
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID != ""
}

// addSubscription stores sub under id and returns any subscription it replaced
func (c *Client) addSubscription(id string, sub pubsub.Subscription) pubsub.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.subs[id]
	c.subs[id] = sub
	return prev
}

func (c *Client) removeSubscription(id string) pubsub.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.subs[id]
	delete(c.subs, id)
	return sub
}

// SubscriptionCount returns the number of live subscriptions
func (c *Client) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// allow applies the per-peer publish limit, if any
func (c *Client) allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// release drops every backend subscription and closes the send channel
func (c *Client) release() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]pubsub.Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// ReadPump pumps frames from the WebSocket connection to the hub
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					c.logger.Warn("websocket read error", "error", err, "user_id", c.UserID())
				}
				return
			}

			for _, raw := range bytes.Split(data, []byte{'\n'}) {
				if len(raw) == 0 {
					continue
				}
				var f Frame
				if err := json.Unmarshal(raw, &f); err != nil {
					c.sendError(CodeInvalidFrame, "Failed to parse frame", "")
					continue
				}
				c.hub.HandleFrame(ctx, c, &f)
			}
		}
	}
}

// WritePump pumps frames from the hub to the WebSocket connection
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued frames to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(next)
			}

			if err := w.Close(); err != nil {
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

// Send queues a frame for the client
func (c *Client) Send(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return pubsub.ErrClosed
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, drop frame
		c.logger.Warn("client send buffer full, dropping frame", "user_id", c.userID, "frame_type", f.Type)
	}
	return nil
}

// sendError sends an error frame to the client
func (c *Client) sendError(code, message, id string) {
	metrics.RelayErrors.WithLabelValues(code).Inc()
	f, _ := NewFrame(FrameError, ErrorPayload{
		Code:    code,
		Message: message,
		ID:      id,
	})
	_ = c.Send(f)
}
