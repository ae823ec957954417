package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/metrics"
	"github.com/observer/carechat/internal/pubsub"
	"github.com/observer/carechat/internal/realtime"
)

// DefaultPollInterval is how often unread counts are reconciled with the backend
const DefaultPollInterval = 30 * time.Second

// UnreadAPI is the REST side of the unread aggregator
type UnreadAPI interface {
	GetUnreadCount(ctx context.Context) (int, error)
	ListRooms(ctx context.Context) ([]domain.ChatRoom, error)
}

// UnreadAggregator keeps the global and per-room unread counts.
// Pushed messages bump the counts optimistically; the periodic poll
// overwrites them with the backend's numbers.
type UnreadAggregator struct {
	client   UnreadAPI
	reg      *realtime.Registry
	viewer   func() string
	interval time.Duration
	logger   *slog.Logger
	refresh  singleflight.Group

	mu        sync.Mutex
	total     int
	perRoom   map[string]int
	open      map[string]int // room id -> open views
	tracked   map[string]*realtime.Handle
	listeners map[uint64]func(domain.UnreadSnapshot)
	nextID    uint64
}

func NewUnreadAggregator(client UnreadAPI, reg *realtime.Registry, viewer func() string, interval time.Duration, logger *slog.Logger) *UnreadAggregator {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if viewer == nil {
		viewer = func() string { return "" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UnreadAggregator{
		client:    client,
		reg:       reg,
		viewer:    viewer,
		interval:  interval,
		logger:    logger.With("component", "unread"),
		perRoom:   make(map[string]int),
		open:      make(map[string]int),
		tracked:   make(map[string]*realtime.Handle),
		listeners: make(map[uint64]func(domain.UnreadSnapshot)),
	}
}

// UnreadCount returns the global unread count
func (u *UnreadAggregator) UnreadCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

// UnreadPerRoom returns a copy of the per-room counts
func (u *UnreadAggregator) UnreadPerRoom() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snapshotLocked().PerRoom
}

// Snapshot returns both counts at one point in time
func (u *UnreadAggregator) Snapshot() domain.UnreadSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snapshotLocked()
}

func (u *UnreadAggregator) snapshotLocked() domain.UnreadSnapshot {
	per := make(map[string]int, len(u.perRoom))
	for id, n := range u.perRoom {
		per[id] = n
	}
	return domain.UnreadSnapshot{Total: u.total, PerRoom: per}
}

// IncrementRoomCount counts one more unread message in roomID
func (u *UnreadAggregator) IncrementRoomCount(roomID string) {
	u.mu.Lock()
	u.perRoom[roomID]++
	u.total++
	snap := u.snapshotLocked()
	u.mu.Unlock()

	u.publish(snap)
}

// ResetRoomCount zeroes roomID and re-reads the global count from the
// backend rather than subtracting locally
func (u *UnreadAggregator) ResetRoomCount(ctx context.Context, roomID string) {
	u.mu.Lock()
	u.perRoom[roomID] = 0
	snap := u.snapshotLocked()
	u.mu.Unlock()
	u.publish(snap)

	total, err := u.client.GetUnreadCount(ctx)
	if err != nil {
		u.logger.Warn("unread count refresh failed", "room_id", roomID, "error", err)
		return
	}

	u.mu.Lock()
	u.total = total
	snap = u.snapshotLocked()
	u.mu.Unlock()
	u.publish(snap)
}

// SetRoomOpen records one room view opening or closing on roomID. Pushes
// are not counted while at least one view of the room is open.
func (u *UnreadAggregator) SetRoomOpen(roomID string, open bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if open {
		u.open[roomID]++
		return
	}
	if u.open[roomID] <= 1 {
		delete(u.open, roomID)
		return
	}
	u.open[roomID]--
}

// Refresh polls the backend and overwrites local state. Concurrent calls
// share one poll.
func (u *UnreadAggregator) Refresh(ctx context.Context) error {
	_, err, _ := u.refresh.Do("refresh", func() (interface{}, error) {
		return nil, u.poll(ctx)
	})
	return err
}

func (u *UnreadAggregator) poll(ctx context.Context) error {
	total, err := u.client.GetUnreadCount(ctx)
	if err != nil {
		metrics.UnreadPolls.WithLabelValues("failure").Inc()
		return fmt.Errorf("poll unread count: %w", err)
	}
	rooms, err := u.client.ListRooms(ctx)
	if err != nil {
		metrics.UnreadPolls.WithLabelValues("failure").Inc()
		return fmt.Errorf("poll rooms: %w", err)
	}
	metrics.UnreadPolls.WithLabelValues("success").Inc()

	ids := make([]string, 0, len(rooms))
	u.mu.Lock()
	u.total = total
	u.perRoom = make(map[string]int, len(rooms))
	for _, r := range rooms {
		u.perRoom[r.ID] = r.UnreadCount
		ids = append(ids, r.ID)
	}
	snap := u.snapshotLocked()
	u.mu.Unlock()

	u.Track(ids)
	u.publish(snap)
	return nil
}

// Track listens to the message topics of roomIDs and stops listening to
// every other room
func (u *UnreadAggregator) Track(roomIDs []string) {
	want := make(map[string]bool, len(roomIDs))
	for _, id := range roomIDs {
		want[id] = true
	}

	var drop []*realtime.Handle
	var add []string
	u.mu.Lock()
	for id, h := range u.tracked {
		if !want[id] {
			drop = append(drop, h)
			delete(u.tracked, id)
		}
	}
	for id := range want {
		// a handle refused while offline is retried
		if h, ok := u.tracked[id]; !ok || !h.Active() {
			add = append(add, id)
		}
	}
	u.mu.Unlock()

	for _, h := range drop {
		h.Unsubscribe()
	}
	sort.Strings(add)
	for _, id := range add {
		h := u.reg.Subscribe(pubsub.Topics.RoomMessages(id), u.handleMessage(id))
		u.mu.Lock()
		u.tracked[id] = h
		u.mu.Unlock()
	}
}

// Resubscribe re-opens every tracked room; needed after a Disconnect
// cleared the registry
func (u *UnreadAggregator) Resubscribe() {
	u.mu.Lock()
	ids := make([]string, 0, len(u.tracked))
	old := make([]*realtime.Handle, 0, len(u.tracked))
	for id, h := range u.tracked {
		ids = append(ids, id)
		old = append(old, h)
	}
	u.tracked = make(map[string]*realtime.Handle)
	u.mu.Unlock()

	for _, h := range old {
		h.Unsubscribe()
	}
	u.Track(ids)
}

// TrackedRooms returns the rooms whose pushes are counted
func (u *UnreadAggregator) TrackedRooms() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	ids := make([]string, 0, len(u.tracked))
	for id := range u.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (u *UnreadAggregator) handleMessage(roomID string) realtime.Listener {
	return func(ctx context.Context, msg *pubsub.Message) {
		if msg.Type != pubsub.EventMessageNew {
			return
		}
		var m domain.Message
		if err := msg.Decode(&m); err != nil {
			u.logger.Warn("malformed message event", "room_id", roomID, "error", err)
			return
		}
		if m.IsFrom(u.viewer()) {
			return
		}
		u.mu.Lock()
		open := u.open[roomID] > 0
		u.mu.Unlock()
		if open {
			return
		}
		u.IncrementRoomCount(roomID)
	}
}

// OnChange registers cb for every change of the counts
func (u *UnreadAggregator) OnChange(cb func(domain.UnreadSnapshot)) func() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.nextID++
	id := u.nextID
	u.listeners[id] = cb
	return func() {
		u.mu.Lock()
		delete(u.listeners, id)
		u.mu.Unlock()
	}
}

func (u *UnreadAggregator) publish(snap domain.UnreadSnapshot) {
	metrics.UnreadTotal.Set(float64(snap.Total))

	u.mu.Lock()
	ids := make([]uint64, 0, len(u.listeners))
	for id := range u.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(domain.UnreadSnapshot), len(ids))
	for i, id := range ids {
		fns[i] = u.listeners[id]
	}
	u.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Serve polls until ctx is done. It implements suture.Service.
func (u *UnreadAggregator) Serve(ctx context.Context) error {
	u.logger.Info("unread poller started", "interval", u.interval)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		if err := u.Refresh(ctx); err != nil && ctx.Err() == nil {
			u.logger.Warn("unread poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			u.logger.Info("unread poller stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// String names the service in supervisor logs
func (u *UnreadAggregator) String() string {
	return "unread-poller"
}

// Close stops listening to every tracked room
func (u *UnreadAggregator) Close() {
	u.mu.Lock()
	handles := make([]*realtime.Handle, 0, len(u.tracked))
	for _, h := range u.tracked {
		handles = append(handles, h)
	}
	u.tracked = make(map[string]*realtime.Handle)
	u.mu.Unlock()

	for _, h := range handles {
		h.Unsubscribe()
	}
}
