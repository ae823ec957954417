package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/pubsub"
	"github.com/observer/carechat/internal/realtime"
)

// DefaultTypingTimeout is how long a typing indicator lives without a
// fresh keystroke
const DefaultTypingTimeout = 3 * time.Second

const typingSendTimeout = 5 * time.Second

// Sender publishes to outbound destinations; *realtime.Manager implements it
type Sender interface {
	Send(ctx context.Context, destination string, payload interface{}) error
	IsConnected() bool
}

// TypingOptions configures a TypingCoordinator
type TypingOptions struct {
	Timeout time.Duration
	// Now is the clock remote indicators expire against
	Now    func() time.Time
	Logger *slog.Logger
}

type remoteTyping struct {
	name    string
	expires time.Time
	timer   *time.Timer
}

// TypingCoordinator runs the local typing state machine of one room and
// tracks which other participants are typing in it
type TypingCoordinator struct {
	roomID  string
	viewer  domain.Viewer
	sender  Sender
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.Mutex
	typing    bool
	idle      *time.Timer
	remote    map[string]*remoteTyping
	handle    *realtime.Handle
	closed    bool
	listeners map[uint64]func()
	nextID    uint64
}

// NewTypingCoordinator subscribes to roomID's typing topic through reg
func NewTypingCoordinator(roomID string, viewer domain.Viewer, sender Sender, reg *realtime.Registry, opts TypingOptions) *TypingCoordinator {
	t := &TypingCoordinator{
		roomID:    roomID,
		viewer:    viewer,
		sender:    sender,
		timeout:   opts.Timeout,
		now:       opts.Now,
		logger:    opts.Logger,
		remote:    make(map[string]*remoteTyping),
		listeners: make(map[uint64]func()),
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTypingTimeout
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "typing", "room_id", roomID)

	if reg != nil {
		t.handle = reg.Subscribe(pubsub.Topics.RoomTyping(roomID), t.handleTypingEvent)
	}
	return t
}

// Keystroke announces typing on the first keystroke of a burst and pushes
// the idle deadline back on every one
func (t *TypingCoordinator) Keystroke(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.idle != nil {
		t.idle.Stop()
	}
	t.idle = time.AfterFunc(t.timeout, t.idleTimeout)
	start := !t.typing
	t.typing = true
	t.mu.Unlock()

	if !start {
		return
	}
	if err := t.send(ctx, true); err != nil {
		// Stay idle so the next keystroke tries again
		t.logger.Debug("typing start not sent", "error", err)
		t.mu.Lock()
		t.typing = false
		t.mu.Unlock()
	}
}

// MessageSent ends the current typing burst immediately
func (t *TypingCoordinator) MessageSent(ctx context.Context) {
	t.stop(ctx)
}

// LocalTyping reports whether the local user is in a typing burst
func (t *TypingCoordinator) LocalTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *TypingCoordinator) idleTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), typingSendTimeout)
	defer cancel()
	t.stop(ctx)
}

func (t *TypingCoordinator) stop(ctx context.Context) {
	t.mu.Lock()
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
	was := t.typing
	t.typing = false
	t.mu.Unlock()

	if was {
		if err := t.send(ctx, false); err != nil {
			t.logger.Debug("typing stop not sent", "error", err)
		}
	}
}

func (t *TypingCoordinator) send(ctx context.Context, typing bool) error {
	if !t.sender.IsConnected() {
		return domain.ErrNotConnected
	}
	return t.sender.Send(ctx, pubsub.Destinations.Typing(t.roomID), domain.TypingSignal{
		RoomID:   t.roomID,
		UserID:   t.viewer.UserID,
		UserName: t.viewer.Name,
		IsTyping: typing,
	})
}

func (t *TypingCoordinator) handleTypingEvent(ctx context.Context, msg *pubsub.Message) {
	if msg.Type != pubsub.EventTyping {
		return
	}
	var sig domain.TypingSignal
	if err := msg.Decode(&sig); err != nil {
		t.logger.Warn("malformed typing event", "error", err)
		return
	}
	if sig.UserID == "" || sig.UserID == t.viewer.UserID {
		return
	}
	if sig.IsTyping {
		t.remoteStarted(sig)
	} else {
		t.remoteStopped(sig.UserID)
	}
}

func (t *TypingCoordinator) remoteStarted(sig domain.TypingSignal) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	r, ok := t.remote[sig.UserID]
	if ok {
		r.timer.Stop()
	} else {
		r = &remoteTyping{}
		t.remote[sig.UserID] = r
	}
	r.name = sig.UserName
	r.expires = t.now().Add(t.timeout)
	entry := r
	r.timer = time.AfterFunc(t.timeout, func() { t.remoteExpired(sig.UserID, entry) })
	t.mu.Unlock()

	if !ok {
		t.notify()
	}
}

func (t *TypingCoordinator) remoteStopped(userID string) {
	t.mu.Lock()
	r, ok := t.remote[userID]
	if ok {
		r.timer.Stop()
		delete(t.remote, userID)
	}
	t.mu.Unlock()

	if ok {
		t.notify()
	}
}

func (t *TypingCoordinator) remoteExpired(userID string, entry *remoteTyping) {
	t.mu.Lock()
	r, ok := t.remote[userID]
	if !ok || r != entry || t.now().Before(r.expires) {
		t.mu.Unlock()
		return
	}
	delete(t.remote, userID)
	t.mu.Unlock()

	t.notify()
}

// IsRemoteTyping reports whether any other participant is typing
func (t *TypingCoordinator) IsRemoteTyping() bool {
	return len(t.TypingUsers()) > 0
}

// TypingUsers returns the participants currently typing, by user id
func (t *TypingCoordinator) TypingUsers() []domain.TypingSignal {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]domain.TypingSignal, 0, len(t.remote))
	for id, r := range t.remote {
		if !now.Before(r.expires) {
			continue
		}
		out = append(out, domain.TypingSignal{RoomID: t.roomID, UserID: id, UserName: r.name, IsTyping: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnChange registers cb for changes of the remote typing set
func (t *TypingCoordinator) OnChange(cb func()) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = cb
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *TypingCoordinator) notify() {
	t.mu.Lock()
	ids := make([]uint64, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), len(ids))
	for i, id := range ids {
		fns[i] = t.listeners[id]
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Close stops every timer and the subscription. A burst in progress is
// ended with a best-effort typing=false.
func (t *TypingCoordinator) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), typingSendTimeout)
	defer cancel()
	t.stop(ctx)

	t.mu.Lock()
	t.closed = true
	for id, r := range t.remote {
		r.timer.Stop()
		delete(t.remote, id)
	}
	h := t.handle
	t.handle = nil
	t.mu.Unlock()

	h.Unsubscribe()
}
