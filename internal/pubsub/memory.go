package pubsub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// memorySubscription is a subscription to a topic
type memorySubscription struct {
	ps      *MemoryPubSub
	topic   string
	handler Handler
	id      uint64
}

func (s *memorySubscription) Unsubscribe() error {
	s.ps.unsubscribe(s.topic, s.id)
	return nil
}

// MemoryPubSub is an in-process broker.
// It can be used directly as a PubSub, or as the far end of many
// connections opened with Connect, which is how tests stand in for a
// remote push server.
type MemoryPubSub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]*memorySubscription
	conns       map[*MemoryConn]struct{}
	nextID      uint64
	closed      bool
	done        chan struct{}
	authorize   func(token string) error
	logger      *slog.Logger
}

// NewMemoryPubSub creates a new in-memory pub/sub instance
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		subscribers: make(map[string]map[uint64]*memorySubscription),
		conns:       make(map[*MemoryConn]struct{}),
		done:        make(chan struct{}),
		logger:      slog.Default().With("component", "pubsub", "backend", "memory"),
	}
}

// SetAuthorizer installs a check run against the token of every Connect
func (ps *MemoryPubSub) SetAuthorizer(fn func(token string) error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.authorize = fn
}

// Publish sends a message to all subscribers of the topic.
// Handlers run synchronously, in subscription order, so one publisher's
// messages reach every subscriber in the order they were published.
func (ps *MemoryPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.RLock()
	if ps.closed {
		ps.mu.RUnlock()
		return ErrClosed
	}

	subs, ok := ps.subscribers[topic]
	if !ok || len(subs) == 0 {
		ps.mu.RUnlock()
		ps.logger.Debug("no subscribers for topic", "topic", topic, "msg_type", msg.Type)
		return nil
	}

	// Copy handlers to avoid holding lock during callback
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, subs[id].handler)
	}
	ps.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, msg)
	}

	return nil
}

// Subscribe registers a handler for the given topic
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrClosed
	}

	ps.nextID++
	id := ps.nextID

	sub := &memorySubscription{
		ps:      ps,
		topic:   topic,
		handler: handler,
		id:      id,
	}

	if ps.subscribers[topic] == nil {
		ps.subscribers[topic] = make(map[uint64]*memorySubscription)
	}
	ps.subscribers[topic][id] = sub

	return sub, nil
}

func (ps *MemoryPubSub) unsubscribe(topic string, id uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if subs, ok := ps.subscribers[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(ps.subscribers, topic)
		}
	}
}

// Close shuts down the pub/sub and drops every connection
func (ps *MemoryPubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	ps.subscribers = make(map[string]map[uint64]*memorySubscription)
	conns := ps.takeConns()
	close(ps.done)
	ps.mu.Unlock()

	for _, c := range conns {
		c.sever()
	}
	return nil
}

// Done is closed when the broker is closed
func (ps *MemoryPubSub) Done() <-chan struct{} {
	return ps.done
}

// SubscriberCount returns the number of subscribers for a topic (useful for testing)
func (ps *MemoryPubSub) SubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers[topic])
}

// TopicCount returns the number of active topics (useful for testing)
func (ps *MemoryPubSub) TopicCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers)
}

// ConnCount returns the number of open connections
func (ps *MemoryPubSub) ConnCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.conns)
}

// Connect opens a connection to the broker
func (ps *MemoryPubSub) Connect(token string) (*MemoryConn, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrClosed
	}
	if ps.authorize != nil {
		if err := ps.authorize(token); err != nil {
			return nil, err
		}
	}

	c := &MemoryConn{
		broker: ps,
		token:  token,
		subs:   make(map[uint64]Subscription),
		done:   make(chan struct{}),
	}
	ps.conns[c] = struct{}{}
	return c, nil
}

// Dialer returns a Dialer opening connections to this broker
func (ps *MemoryPubSub) Dialer() Dialer {
	return func(ctx context.Context, token string) (PubSub, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return ps.Connect(token)
	}
}

// DropAll severs every open connection as if the network failed
func (ps *MemoryPubSub) DropAll() {
	ps.mu.Lock()
	conns := ps.takeConns()
	ps.mu.Unlock()

	for _, c := range conns {
		c.sever()
	}
}

// takeConns empties the connection set; caller holds ps.mu
func (ps *MemoryPubSub) takeConns() []*MemoryConn {
	conns := make([]*MemoryConn, 0, len(ps.conns))
	for c := range ps.conns {
		conns = append(conns, c)
	}
	ps.conns = make(map[*MemoryConn]struct{})
	return conns
}

func (ps *MemoryPubSub) forget(c *MemoryConn) {
	ps.mu.Lock()
	delete(ps.conns, c)
	ps.mu.Unlock()
}

// MemoryConn is one client connection to a MemoryPubSub broker
type MemoryConn struct {
	broker *MemoryPubSub
	token  string

	mu     sync.Mutex
	subs   map[uint64]Subscription
	nextID uint64
	closed bool
	done   chan struct{}
}

// Token returns the token the connection was opened with
func (c *MemoryConn) Token() string {
	return c.token
}

func (c *MemoryConn) Publish(ctx context.Context, topic string, msg *Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.broker.Publish(ctx, topic, msg)
}

func (c *MemoryConn) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	// Deliveries racing with sever are dropped
	guarded := func(ctx context.Context, msg *Message) {
		select {
		case <-c.done:
			return
		default:
		}
		handler(ctx, msg)
	}

	inner, err := c.broker.Subscribe(ctx, topic, guarded)
	if err != nil {
		return nil, err
	}

	c.nextID++
	id := c.nextID
	c.subs[id] = inner

	return &connSubscription{conn: c, id: id}, nil
}

type connSubscription struct {
	conn *MemoryConn
	id   uint64
	once sync.Once
}

func (s *connSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.conn.mu.Lock()
		inner, ok := s.conn.subs[s.id]
		delete(s.conn.subs, s.id)
		s.conn.mu.Unlock()
		if ok {
			_ = inner.Unsubscribe()
		}
	})
	return nil
}

// Close releases the connection's subscriptions
func (c *MemoryConn) Close() error {
	c.broker.forget(c)
	c.sever()
	return nil
}

// Drop simulates a transport failure on this connection only
func (c *MemoryConn) Drop() {
	c.broker.forget(c)
	c.sever()
}

func (c *MemoryConn) sever() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[uint64]Subscription)
	close(c.done)
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}

func (c *MemoryConn) Done() <-chan struct{} {
	return c.done
}
