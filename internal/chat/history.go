package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/observer/carechat/internal/api"
	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/pubsub"
	"github.com/observer/carechat/internal/realtime"
)

// DefaultPageSize is the number of messages fetched per history page
const DefaultPageSize = 50

// HistoryAPI is the REST side of the history store
type HistoryAPI interface {
	GetMessages(ctx context.Context, roomID string, page, size int) (*api.MessagePage, error)
}

// HistoryOptions configures a HistoryStore
type HistoryOptions struct {
	PageSize int
	// Viewer returns the signed-in user's id
	Viewer func() string
	// OnIncoming is called, outside locks, for each new live message
	// authored by someone else
	OnIncoming func(domain.Message)
	Logger     *slog.Logger
}

// HistoryStore merges paginated REST history with live pushes into one
// chronological, duplicate-free list for a single room
type HistoryStore struct {
	client     HistoryAPI
	reg        *realtime.Registry
	pageSize   int
	viewer     func() string
	onIncoming func(domain.Message)
	logger     *slog.Logger

	mu        sync.Mutex
	roomID    string
	messages  []domain.Message
	ids       map[string]struct{}
	nextPage  int
	hasMore   bool
	loading   bool
	epoch     uint64
	handles   []*realtime.Handle
	listeners map[uint64]func()
	nextID    uint64
}

func NewHistoryStore(client HistoryAPI, reg *realtime.Registry, opts HistoryOptions) *HistoryStore {
	s := &HistoryStore{
		client:     client,
		reg:        reg,
		pageSize:   opts.PageSize,
		viewer:     opts.Viewer,
		onIncoming: opts.OnIncoming,
		logger:     opts.Logger,
		ids:        make(map[string]struct{}),
		listeners:  make(map[uint64]func()),
	}
	if s.pageSize <= 0 {
		s.pageSize = DefaultPageSize
	}
	if s.viewer == nil {
		s.viewer = func() string { return "" }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "history")
	return s
}

// Load resets the store to roomID, subscribes to its live topics and
// fetches the newest page
func (s *HistoryStore) Load(ctx context.Context, roomID string) error {
	s.mu.Lock()
	old := s.handles
	s.epoch++
	epoch := s.epoch
	s.roomID = roomID
	s.messages = nil
	s.ids = make(map[string]struct{})
	s.nextPage = 0
	s.hasMore = false
	s.loading = true
	s.handles = nil
	s.mu.Unlock()

	for _, h := range old {
		h.Unsubscribe()
	}
	s.notify()

	// Subscribe first so nothing published during the fetch is missed
	handles := []*realtime.Handle{
		s.reg.Subscribe(pubsub.Topics.RoomMessages(roomID), s.handleMessageEvent(epoch)),
		s.reg.Subscribe(pubsub.Topics.RoomReads(roomID), s.handleReadEvent(epoch)),
	}
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		for _, h := range handles {
			h.Unsubscribe()
		}
		return nil
	}
	s.handles = handles
	s.mu.Unlock()

	return s.fetch(ctx, epoch, 0)
}

// LoadMore fetches the next older page. It does nothing while a fetch is in
// flight or once the oldest page has been seen.
func (s *HistoryStore) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.roomID == "" || s.loading || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	epoch := s.epoch
	page := s.nextPage
	s.mu.Unlock()

	s.notify()
	return s.fetch(ctx, epoch, page)
}

func (s *HistoryStore) fetch(ctx context.Context, epoch uint64, page int) error {
	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()

	result, err := s.client.GetMessages(ctx, roomID, page, s.pageSize)

	s.mu.Lock()
	if s.epoch != epoch {
		// A later Load or Close owns the store now
		s.mu.Unlock()
		return nil
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("history fetch failed", "room_id", roomID, "page", page, "error", err)
		s.notify()
		return fmt.Errorf("load messages for room %s: %w", roomID, err)
	}

	// Pages come newest first
	for i := len(result.Content) - 1; i >= 0; i-- {
		s.mergeLocked(result.Content[i])
	}
	s.nextPage = page + 1
	s.hasMore = !result.Last
	s.mu.Unlock()

	s.notify()
	return nil
}

// mergeLocked inserts m in timestamp order, or ratchets the status of the
// copy already held. It reports whether anything changed.
func (s *HistoryStore) mergeLocked(m domain.Message) (added, changed bool) {
	if _, ok := s.ids[m.ID]; ok {
		for i := range s.messages {
			if s.messages[i].ID == m.ID {
				var moved bool
				s.messages[i].Status, moved = s.messages[i].Status.Advance(m.Status)
				return false, moved
			}
		}
		return false, false
	}

	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(m.CreatedAt)
	})
	s.messages = append(s.messages, domain.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	s.ids[m.ID] = struct{}{}
	return true, true
}

func (s *HistoryStore) handleMessageEvent(epoch uint64) realtime.Listener {
	return func(ctx context.Context, msg *pubsub.Message) {
		switch msg.Type {
		case pubsub.EventMessageNew:
			var m domain.Message
			if err := msg.Decode(&m); err != nil || m.ID == "" {
				s.logger.Warn("malformed message event", "topic", msg.Topic, "error", err)
				return
			}
			s.addLive(epoch, m)
		case pubsub.EventMessageStatus:
			var u domain.StatusUpdate
			if err := msg.Decode(&u); err != nil {
				s.logger.Warn("malformed status event", "topic", msg.Topic, "error", err)
				return
			}
			s.applyStatus(epoch, u)
		}
	}
}

func (s *HistoryStore) addLive(epoch uint64, m domain.Message) {
	s.mu.Lock()
	if s.epoch != epoch || (m.RoomID != "" && m.RoomID != s.roomID) {
		s.mu.Unlock()
		return
	}
	if m.RoomID == "" {
		m.RoomID = s.roomID
	}
	added, changed := s.mergeLocked(m)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	if added && !m.IsFrom(s.viewer()) && s.onIncoming != nil {
		s.onIncoming(m)
	}
}

func (s *HistoryStore) applyStatus(epoch uint64, u domain.StatusUpdate) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	changed := false
	for i := range s.messages {
		if s.messages[i].ID == u.MessageID {
			s.messages[i].Status, changed = s.messages[i].Status.Advance(u.Status)
			break
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *HistoryStore) handleReadEvent(epoch uint64) realtime.Listener {
	return func(ctx context.Context, msg *pubsub.Message) {
		if msg.Type != pubsub.EventReceiptRead {
			return
		}
		var r domain.ReadReceipt
		if err := msg.Decode(&r); err != nil {
			s.logger.Warn("malformed read receipt", "topic", msg.Topic, "error", err)
			return
		}
		viewer := s.viewer()
		if r.ReaderID == viewer {
			return
		}

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		changed := false
		for i := range s.messages {
			if !s.messages[i].IsFrom(viewer) {
				continue
			}
			var moved bool
			s.messages[i].Status, moved = s.messages[i].Status.Advance(domain.MessageStatusRead)
			changed = changed || moved
		}
		s.mu.Unlock()

		if changed {
			s.notify()
		}
	}
}

// Messages returns a copy of the merged history, oldest first
func (s *HistoryStore) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Latest returns the newest message, if any
func (s *HistoryStore) Latest() (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return domain.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

func (s *HistoryStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *HistoryStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *HistoryStore) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// OnChange registers cb for any change of the history; the returned
// function removes it
func (s *HistoryStore) OnChange(cb func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = cb
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *HistoryStore) notify() {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), len(ids))
	for i, id := range ids {
		fns[i] = s.listeners[id]
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Close drops the live subscriptions; results of fetches still in flight
// are discarded
func (s *HistoryStore) Close() {
	s.mu.Lock()
	s.epoch++
	handles := s.handles
	s.handles = nil
	s.loading = false
	s.mu.Unlock()

	for _, h := range handles {
		h.Unsubscribe()
	}
}
