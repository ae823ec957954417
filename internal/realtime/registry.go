package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/observer/carechat/internal/metrics"
	"github.com/observer/carechat/internal/pubsub"
)

// Listener receives the events of one topic
type Listener func(ctx context.Context, msg *pubsub.Message)

// Handle is returned by Subscribe and removes exactly one listener.
// A Handle whose subscription was refused is inert.
type Handle struct {
	r     *Registry
	topic string
	id    uint64
	once  sync.Once
}

// Unsubscribe removes the listener; further calls do nothing
func (h *Handle) Unsubscribe() {
	if h == nil || h.r == nil {
		return
	}
	h.once.Do(func() {
		h.r.remove(h.topic, h.id)
	})
}

// Topic returns the topic the handle listens to
func (h *Handle) Topic() string {
	if h == nil {
		return ""
	}
	return h.topic
}

// Active reports whether the handle was accepted by the registry
func (h *Handle) Active() bool {
	return h != nil && h.r != nil
}

type listenerEntry struct {
	id uint64
	fn Listener
}

type topicEntry struct {
	listeners []listenerEntry
	wire      pubsub.Subscription
	wireSeq   uint64
	// last event of a state topic, replayed to listeners joining later
	last *pubsub.Message
}

// Registry fans events of one wire subscription per topic out to any
// number of local listeners.
type Registry struct {
	m      *Manager
	logger *slog.Logger

	mu        sync.RWMutex
	topics    map[string]*topicEntry
	conn      pubsub.PubSub
	gen       uint64
	nextID    uint64
	nextWire  uint64
	listeners int
	// bumped by cleared so a Subscribe racing Disconnect cannot survive it
	epoch uint64
}

// NewRegistry creates the registry for m's connection
func NewRegistry(m *Manager, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		m:      m,
		logger: logger.With("component", "registry"),
		topics: make(map[string]*topicEntry),
	}
	m.setObserver(r)
	return r
}

// Subscribe adds listener to topic. The first listener of a topic opens the
// wire subscription; if the connection is still being (re)established the
// wire subscription is opened once it is up. With no connection and none
// pending, or for a malformed topic, an inert handle is returned.
func (r *Registry) Subscribe(topic string, listener Listener) *Handle {
	if listener == nil {
		r.logger.Warn("ignoring subscription without listener", "topic", topic)
		return &Handle{topic: topic}
	}
	if err := pubsub.ValidateTopic(topic); err != nil {
		r.logger.Warn("ignoring subscription to invalid topic", "topic", topic, "error", err)
		return &Handle{topic: topic}
	}

	for {
		r.mu.RLock()
		epoch := r.epoch
		r.mu.RUnlock()

		if !r.m.Reconnecting() {
			r.logger.Info("not connected, subscription ignored", "topic", topic)
			return &Handle{topic: topic}
		}

		r.mu.Lock()
		if r.epoch != epoch {
			// a Disconnect cleared the registry meanwhile; look again
			r.mu.Unlock()
			continue
		}
		h, replay := r.addLocked(topic, listener)
		r.mu.Unlock()

		if replay != nil {
			listener(context.Background(), replay)
		}
		return h
	}
}

// addLocked registers listener and returns the retained state event, if
// any, for the caller to replay outside the lock
func (r *Registry) addLocked(topic string, listener Listener) (*Handle, *pubsub.Message) {
	r.nextID++
	id := r.nextID

	e, ok := r.topics[topic]
	if !ok {
		e = &topicEntry{}
		r.topics[topic] = e
	}
	e.listeners = append(e.listeners, listenerEntry{id: id, fn: listener})
	r.listeners++

	if e.wire == nil && r.conn != nil {
		r.openLocked(topic, e)
	}
	r.recordLocked()

	return &Handle{r: r, topic: topic, id: id}, e.last
}

// openLocked opens the wire subscription for e; caller holds r.mu
func (r *Registry) openLocked(topic string, e *topicEntry) {
	r.nextWire++
	seq := r.nextWire
	sub, err := r.conn.Subscribe(context.Background(), topic, r.deliver(topic, r.gen, seq))
	metrics.RecordWireSubscription("subscribe", err)
	if err != nil {
		// The listeners stay; the next connection retries
		r.logger.Warn("wire subscribe failed", "topic", topic, "error", err)
		return
	}
	e.wire = sub
	e.wireSeq = seq
	r.logger.Debug("wire subscribed", "topic", topic, "generation", r.gen)
}

func (r *Registry) deliver(topic string, gen, seq uint64) pubsub.Handler {
	return func(ctx context.Context, msg *pubsub.Message) {
		r.mu.Lock()
		e, ok := r.topics[topic]
		if !ok || r.gen != gen || e.wireSeq != seq || r.conn == nil {
			r.mu.Unlock()
			metrics.StaleEventsDropped.Inc()
			return
		}
		if pubsub.IsStateTopic(topic) {
			e.last = msg
		}
		fns := make([]Listener, len(e.listeners))
		for i, l := range e.listeners {
			fns[i] = l.fn
		}
		r.mu.Unlock()

		metrics.EventsReceived.WithLabelValues(msg.Type).Inc()
		for _, fn := range fns {
			fn(ctx, msg)
		}
	}
}

func (r *Registry) remove(topic string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.topics[topic]
	if !ok {
		return
	}
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			r.listeners--
			break
		}
	}

	if len(e.listeners) == 0 {
		delete(r.topics, topic)
		if e.wire != nil {
			err := e.wire.Unsubscribe()
			metrics.RecordWireSubscription("unsubscribe", err)
			if err != nil {
				r.logger.Debug("wire unsubscribe failed", "topic", topic, "error", err)
			}
		}
	}
	r.recordLocked()
}

// connected re-opens one wire subscription per live topic
func (r *Registry) connected(conn pubsub.PubSub, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conn = conn
	r.gen = gen
	for topic, e := range r.topics {
		e.wire = nil
		e.last = nil
		r.openLocked(topic, e)
	}
	if len(r.topics) > 0 {
		r.logger.Info("subscriptions restored", "topics", len(r.topics), "generation", gen)
	}
}

// lost forgets wire subscriptions of a dead connection but keeps listeners
func (r *Registry) lost() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conn = nil
	for _, e := range r.topics {
		e.wire = nil
		e.last = nil
	}
}

// cleared drops every listener; outstanding handles become inert
func (r *Registry) cleared() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conn = nil
	r.topics = make(map[string]*topicEntry)
	r.listeners = 0
	r.epoch++
	r.recordLocked()
}

func (r *Registry) recordLocked() {
	metrics.RegistryTopics.Set(float64(len(r.topics)))
	metrics.RegistryListeners.Set(float64(r.listeners))
}

// ListenerCount returns the number of listeners on topic
func (r *Registry) ListenerCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.topics[topic]; ok {
		return len(e.listeners)
	}
	return 0
}

// TopicCount returns the number of topics with listeners
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// WireSubscribed reports whether topic currently has a wire subscription
func (r *Registry) WireSubscribed(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.topics[topic]
	return ok && e.wire != nil
}
