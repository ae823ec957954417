// Package realtime owns the single push connection of a chat session and
// multiplexes topic subscriptions over it.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/observer/carechat/internal/auth"
	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/metrics"
	"github.com/observer/carechat/internal/pubsub"
)

// State is the lifecycle state of the Manager's connection
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 32 * time.Second
)

// Options configures a Manager
type Options struct {
	Dial           pubsub.Dialer
	Logger         *slog.Logger
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Now is the clock used for credential expiry; defaults to time.Now
	Now func() time.Time
}

// connObserver is told about wire-level transitions. The Registry is the
// only implementation.
type connObserver interface {
	connected(conn pubsub.PubSub, gen uint64)
	lost()
	cleared()
}

// attempt is one in-flight dial that Connect callers can wait on
type attempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAttempt() *attempt {
	return &attempt{done: make(chan struct{})}
}

func (a *attempt) finish(err error) {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// session is the lifetime of one Connect call: dialing, the live
// connection, and every reconnection until Disconnect
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	cred   auth.Credential
	expiry *time.Timer
}

type stateListener struct {
	id uint64
	fn func(State)
}

// Manager owns exactly one push connection per session. Connection loss is
// repaired automatically with exponential backoff until Disconnect.
type Manager struct {
	dial           pubsub.Dialer
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
	logger         *slog.Logger

	mu        sync.Mutex
	state     State
	conn      pubsub.PubSub
	sess      *session
	attempt   *attempt
	gen       uint64
	listeners []stateListener
	nextID    uint64
	observer  connObserver
}

// NewManager creates a Manager; it does not connect
func NewManager(opts Options) *Manager {
	m := &Manager{
		dial:           opts.Dial,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		now:            opts.Now,
		logger:         opts.Logger,
	}
	if m.initialBackoff <= 0 {
		m.initialBackoff = DefaultInitialBackoff
	}
	if m.maxBackoff <= 0 {
		m.maxBackoff = DefaultMaxBackoff
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "realtime")
	metrics.ConnectionState.Set(0)
	return m
}

func (m *Manager) setObserver(o connObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the connection is usable right now
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Credential returns the credential of the current session
func (m *Manager) Credential() auth.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return auth.Credential{}
	}
	return m.sess.cred
}

// Reconnecting reports whether a session is alive, i.e. the wire will come
// back without anyone calling Connect
func (m *Manager) Reconnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil
}

// OnConnectionChange registers cb for state transitions and returns a
// function removing it. Callbacks run outside locks, in registration order.
func (m *Manager) OnConnectionChange(cb func(State)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, stateListener{id: id, fn: cb})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// setStateLocked records a transition and returns the callbacks to run
func (m *Manager) setStateLocked(s State) []func(State) {
	if m.state == s {
		return nil
	}
	m.state = s
	metrics.RecordConnectionState(float64(s), s.String())

	fns := make([]func(State), len(m.listeners))
	for i, l := range m.listeners {
		fns[i] = l.fn
	}
	return fns
}

func notify(fns []func(State), s State) {
	for _, fn := range fns {
		fn(s)
	}
}

// Connect opens the connection with cred. It is idempotent: while
// connecting it waits for the in-flight attempt, while connected it
// returns nil. If the first attempt fails its error is returned and
// retries continue in the background until Disconnect.
func (m *Manager) Connect(ctx context.Context, cred auth.Credential) error {
	if err := cred.Validate(m.now()); err != nil {
		return err
	}
	if m.dial == nil {
		return errors.New("realtime: no dialer configured")
	}

	m.mu.Lock()
	switch {
	case m.state == Connected:
		m.mu.Unlock()
		return nil
	case m.state == Connecting && m.attempt != nil:
		a := m.attempt
		m.mu.Unlock()
		return wait(ctx, a)
	}

	// Disconnected: replace any session that is waiting out a backoff
	old := m.sess
	sctx, cancel := context.WithCancel(context.Background())
	s := &session{ctx: sctx, cancel: cancel, cred: cred}
	if !cred.ExpiresAt.IsZero() {
		s.expiry = time.AfterFunc(cred.ExpiresAt.Sub(m.now()), func() { m.expire(s) })
	}
	a := newAttempt()
	m.sess = s
	m.attempt = a
	fns := m.setStateLocked(Connecting)
	m.mu.Unlock()

	if old != nil {
		old.stop()
	}
	notify(fns, Connecting)

	go m.run(s, a)

	return wait(ctx, a)
}

func wait(ctx context.Context, a *attempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) stop() {
	s.cancel()
	if s.expiry != nil {
		s.expiry.Stop()
	}
}

// run dials, watches the live connection and redials after loss
func (m *Manager) run(s *session, a *attempt) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialBackoff
	b.MaxInterval = m.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	first := true
	for {
		conn, err := m.dial(s.ctx, s.cred.Token)
		if s.ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			a.finish(s.ctx.Err())
			return
		}

		if err != nil {
			if !first {
				metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
			}
			m.logger.Warn("connect failed", "error", err, "first_attempt", first)
			a.finish(fmt.Errorf("connect: %w", err))
			m.transition(s, Disconnected)
		} else {
			if !first {
				metrics.ReconnectAttempts.WithLabelValues("success").Inc()
			}
			if !m.install(s, conn) {
				_ = conn.Close()
				a.finish(s.ctx.Err())
				return
			}
			a.finish(nil)
			b.Reset()

			select {
			case <-conn.Done():
				m.logger.Warn("connection lost, reconnecting")
				m.connectionLost(s, conn)
			case <-s.ctx.Done():
				return
			}
		}
		first = false

		delay := b.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}

		a = newAttempt()
		if !m.beginAttempt(s, a) {
			return
		}
	}
}

// install makes conn the live connection if s is still the current session
func (m *Manager) install(s *session, conn pubsub.PubSub) bool {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return false
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.attempt = nil
	obs := m.observer
	fns := m.setStateLocked(Connected)
	m.mu.Unlock()

	m.logger.Info("connected", "user_id", s.cred.UserID, "generation", gen)

	// Subscriptions are restored before anyone hears about the connection
	if obs != nil {
		obs.connected(conn, gen)
	}
	notify(fns, Connected)
	return true
}

func (m *Manager) connectionLost(s *session, conn pubsub.PubSub) {
	m.mu.Lock()
	if m.sess != s || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	obs := m.observer
	fns := m.setStateLocked(Disconnected)
	m.mu.Unlock()

	_ = conn.Close()
	if obs != nil {
		obs.lost()
	}
	notify(fns, Disconnected)
}

func (m *Manager) beginAttempt(s *session, a *attempt) bool {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return false
	}
	m.attempt = a
	fns := m.setStateLocked(Connecting)
	m.mu.Unlock()

	notify(fns, Connecting)
	return true
}

func (m *Manager) transition(s *session, to State) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	if to != Connecting {
		m.attempt = nil
	}
	fns := m.setStateLocked(to)
	m.mu.Unlock()

	notify(fns, to)
}

func (m *Manager) expire(s *session) {
	m.mu.Lock()
	current := m.sess == s
	m.mu.Unlock()
	if !current {
		return
	}
	m.logger.Info("credential expired, disconnecting", "user_id", s.cred.UserID)
	m.Disconnect()
}

// Disconnect stops reconnection, closes the connection and drops every
// registered subscription. It is safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	s := m.sess
	conn := m.conn
	a := m.attempt
	obs := m.observer
	m.sess = nil
	m.conn = nil
	m.attempt = nil
	fns := m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if s != nil {
		s.stop()
	}
	a.finish(context.Canceled)
	if conn != nil {
		_ = conn.Close()
	}
	if obs != nil {
		obs.cleared()
	}
	notify(fns, Disconnected)

	if s != nil {
		m.logger.Info("disconnected", "user_id", s.cred.UserID)
	}
}

// Send publishes payload to an outbound destination. It fails fast with
// domain.ErrNotConnected unless the connection is live.
func (m *Manager) Send(ctx context.Context, destination string, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == Connected
	m.mu.Unlock()

	if !connected || conn == nil {
		metrics.SendErrors.WithLabelValues("not_connected").Inc()
		return domain.ErrNotConnected
	}

	_, action, _ := pubsub.ParseDestination(destination)
	msg, err := pubsub.NewMessage(destination, action, payload)
	if err != nil {
		return err
	}

	if err := conn.Publish(ctx, destination, msg); err != nil {
		if errors.Is(err, pubsub.ErrClosed) {
			metrics.SendErrors.WithLabelValues("not_connected").Inc()
			return domain.ErrNotConnected
		}
		metrics.SendErrors.WithLabelValues("transport").Inc()
		return fmt.Errorf("send to %s: %w", destination, err)
	}
	return nil
}
