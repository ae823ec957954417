package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/pubsub"
)

// ReadAPI is the REST side of read marking
type ReadAPI interface {
	MarkAsRead(ctx context.Context, roomID string) error
}

// RoomCountResetter zeroes a room's unread count; *UnreadAggregator implements it
type RoomCountResetter interface {
	ResetRoomCount(ctx context.Context, roomID string)
}

// ReadMarker marks rooms as read on the backend and the wire.
// Concurrent calls for one room share a single request, and a room is not
// marked again until a newer message arrives.
type ReadMarker struct {
	client ReadAPI
	sender Sender
	unread RoomCountResetter
	viewer func() domain.Viewer
	now    func() time.Time
	logger *slog.Logger

	group  singleflight.Group
	mu     sync.Mutex
	marked map[string]string // roomID -> newest message id at the last mark
}

func NewReadMarker(client ReadAPI, sender Sender, unread RoomCountResetter, viewer func() domain.Viewer, logger *slog.Logger) *ReadMarker {
	if logger == nil {
		logger = slog.Default()
	}
	if viewer == nil {
		viewer = func() domain.Viewer { return domain.Viewer{} }
	}
	return &ReadMarker{
		client: client,
		sender: sender,
		unread: unread,
		viewer: viewer,
		now:    time.Now,
		logger: logger.With("component", "read"),
		marked: make(map[string]string),
	}
}

// MarkAsRead marks roomID read up to latestID, the newest message the
// viewer has seen ("" for an empty room)
func (r *ReadMarker) MarkAsRead(ctx context.Context, roomID, latestID string) error {
	if r.alreadyMarked(roomID, latestID) {
		return nil
	}

	_, err, shared := r.group.Do(roomID+"\x00"+latestID, func() (interface{}, error) {
		if r.alreadyMarked(roomID, latestID) {
			return nil, nil
		}
		if err := r.client.MarkAsRead(ctx, roomID); err != nil {
			return nil, fmt.Errorf("mark room %s as read: %w", roomID, err)
		}

		if r.sender != nil && r.sender.IsConnected() {
			receipt := domain.ReadReceipt{RoomID: roomID, ReaderID: r.viewer().UserID, ReadAt: r.now()}
			if err := r.sender.Send(ctx, pubsub.Destinations.MarkRead(roomID), receipt); err != nil {
				r.logger.Debug("read receipt not sent", "room_id", roomID, "error", err)
			}
		}
		if r.unread != nil {
			r.unread.ResetRoomCount(ctx, roomID)
		}

		r.mu.Lock()
		r.marked[roomID] = latestID
		r.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		r.logger.Warn("mark as read failed", "room_id", roomID, "error", err)
	} else if shared {
		r.logger.Debug("mark as read coalesced", "room_id", roomID)
	}
	return err
}

func (r *ReadMarker) alreadyMarked(roomID, latestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.marked[roomID]
	return ok && last == latestID
}

// Forget clears what is known about roomID so the next mark always runs
func (r *ReadMarker) Forget(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.marked, roomID)
}

// Reset forgets every room, for when the viewer changes
func (r *ReadMarker) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marked = make(map[string]string)
}
