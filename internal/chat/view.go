package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/pubsub"
)

const markReadTimeout = 10 * time.Second

// RoomView is one open chat window. It owns its history store, typing
// coordinator and every subscription they hold; Close releases them all.
type RoomView struct {
	s      *Session
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	ref        domain.RoomRef
	history    *HistoryStore
	typing     *TypingCoordinator
	openID     string // room registered as open with the unread aggregator
	detach     []func()
	foreground bool
	closed     bool
	listeners  map[uint64]func()
	nextID     uint64
}

func newRoomView(s *Session, ref domain.RoomRef) *RoomView {
	ctx, cancel := context.WithCancel(context.Background())
	return &RoomView{
		s:          s,
		ctx:        ctx,
		cancel:     cancel,
		ref:        ref,
		foreground: true,
		listeners:  make(map[uint64]func()),
	}
}

// attach wires the view to a real room: live history, typing and an
// initial read mark
func (v *RoomView) attach(ctx context.Context, room domain.RealRoom) error {
	id := room.ID()
	viewer := v.s.viewer()

	history := NewHistoryStore(v.s.client, v.s.registry, HistoryOptions{
		PageSize:   v.s.pageSize,
		Viewer:     func() string { return v.s.viewer().UserID },
		OnIncoming: v.incoming,
		Logger:     v.s.logger,
	})
	typing := NewTypingCoordinator(id, viewer, v.s.manager, v.s.registry, TypingOptions{
		Timeout: v.s.typingTimeout,
		Logger:  v.s.logger,
	})

	v.mu.Lock()
	if v.closed || v.history != nil {
		v.mu.Unlock()
		typing.Close()
		return nil
	}
	v.ref = room
	v.history = history
	v.typing = typing
	v.detach = append(v.detach, history.OnChange(v.changed), typing.OnChange(v.changed))
	// paired with the close in Close, which reads openID under the same lock
	v.openID = id
	v.s.unread.SetRoomOpen(id, true)
	v.mu.Unlock()

	if err := history.Load(ctx, id); err != nil {
		return err
	}
	v.markRead(ctx)
	return nil
}

// incoming runs on the delivery path, so the read mark goes to the background
func (v *RoomView) incoming(m domain.Message) {
	if v.Foreground() {
		v.goMarkRead()
		return
	}
	v.s.notifier.Notify(Notification{
		SenderName: m.SenderName,
		Content:    m.Content,
		RoomID:     m.RoomID,
		Focus:      func() { v.SetForeground(true) },
	})
}

func (v *RoomView) goMarkRead() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.wg.Add(1)
	v.mu.Unlock()

	go func() {
		defer v.wg.Done()
		ctx, cancel := context.WithTimeout(v.ctx, markReadTimeout)
		defer cancel()
		v.markRead(ctx)
	}()
}

func (v *RoomView) markRead(ctx context.Context) {
	v.mu.Lock()
	history := v.history
	v.mu.Unlock()
	if history == nil {
		return
	}
	latest, _ := history.Latest()
	// failures are logged by the marker; the next message retries
	_ = v.s.reads.MarkAsRead(ctx, history.RoomID(), latest.ID)
}

// Ref returns the room this view shows
func (v *RoomView) Ref() domain.RoomRef {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ref
}

// RoomID returns the server room id, or the temp id while pending
func (v *RoomView) RoomID() string {
	return domain.RoomID(v.Ref())
}

// Counterpart returns the other participant of the room, if known
func (v *RoomView) Counterpart() (domain.Participant, bool) {
	room, ok := v.Ref().(domain.RealRoom)
	if !ok {
		return domain.Participant{}, false
	}
	return room.Room.Counterpart(v.s.viewer().UserID)
}

func (v *RoomView) store() *HistoryStore {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.history
}

func (v *RoomView) coordinator() *TypingCoordinator {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.typing
}

// Messages returns the merged history, oldest first
func (v *RoomView) Messages() []domain.Message {
	if h := v.store(); h != nil {
		return h.Messages()
	}
	return nil
}

func (v *RoomView) HasMore() bool {
	if h := v.store(); h != nil {
		return h.HasMore()
	}
	return false
}

func (v *RoomView) LoadMore(ctx context.Context) error {
	if h := v.store(); h != nil {
		return h.LoadMore(ctx)
	}
	return nil
}

// Reload fetches the newest page again, e.g. after a failed open. A
// pending room has no history yet.
func (v *RoomView) Reload(ctx context.Context) error {
	h := v.store()
	if h == nil {
		if v.Ref().Pending() {
			return domain.ErrRoomStillPending
		}
		return nil
	}
	if err := h.Load(ctx, h.RoomID()); err != nil {
		return err
	}
	v.markRead(ctx)
	return nil
}

// Send posts content to the room. A pending room is created first; if that
// fails the error wraps domain.ErrChatUnavailable.
func (v *RoomView) Send(ctx context.Context, content string) error {
	content, err := domain.ValidateContent(content)
	if err != nil {
		return err
	}

	switch ref := v.Ref().(type) {
	case domain.PendingRoom:
		room, err := v.s.rooms.Promote(ctx, ref)
		if err != nil {
			return err
		}
		if err := v.attach(ctx, room); err != nil {
			v.s.logger.Warn("room history unavailable", "room_id", room.ID(), "error", err)
		}
	case domain.RealRoom:
		if ref.Room.IsArchived() {
			return domain.ErrRoomArchived
		}
	}

	if t := v.coordinator(); t != nil {
		t.MessageSent(ctx)
	}
	return v.s.manager.Send(ctx, pubsub.Destinations.SendMessage(v.RoomID()), domain.OutgoingMessage{
		Content: content,
		TempID:  uuid.NewString(),
	})
}

// Keystroke feeds the local typing state machine
func (v *RoomView) Keystroke(ctx context.Context) {
	if t := v.coordinator(); t != nil {
		t.Keystroke(ctx)
	}
}

// TypingUsers returns the other participants currently typing
func (v *RoomView) TypingUsers() []domain.TypingSignal {
	if t := v.coordinator(); t != nil {
		return t.TypingUsers()
	}
	return nil
}

// Foreground reports whether the view is the one the user is looking at
func (v *RoomView) Foreground() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.foreground
}

// SetForeground records whether the user is looking at the view. Coming to
// the foreground marks the room as read.
func (v *RoomView) SetForeground(fg bool) {
	v.mu.Lock()
	was := v.foreground
	v.foreground = fg
	v.mu.Unlock()

	if fg && !was {
		v.goMarkRead()
	}
}

// OnChange registers cb for changes of history or typing state
func (v *RoomView) OnChange(cb func()) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	id := v.nextID
	v.listeners[id] = cb
	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}

func (v *RoomView) changed() {
	v.mu.Lock()
	ids := make([]uint64, 0, len(v.listeners))
	for id := range v.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), len(ids))
	for i, id := range ids {
		fns[i] = v.listeners[id]
	}
	v.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Close releases every listener the view registered. It is idempotent.
func (v *RoomView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	history := v.history
	typing := v.typing
	openID := v.openID
	detach := v.detach
	v.detach = nil
	v.mu.Unlock()

	v.cancel()
	for _, fn := range detach {
		fn()
	}
	if typing != nil {
		typing.Close()
	}
	if history != nil {
		history.Close()
	}
	if openID != "" {
		v.s.unread.SetRoomOpen(openID, false)
	}
	v.wg.Wait()
	v.s.forget(v)
}
