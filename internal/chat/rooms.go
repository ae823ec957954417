package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/observer/carechat/internal/domain"
)

// RoomAPI is the REST side of room resolution
type RoomAPI interface {
	GetOrCreateRoomForBooking(ctx context.Context, bookingID string) (*domain.ChatRoom, error)
	GetRoomForBooking(ctx context.Context, bookingID string) (*domain.ChatRoom, error)
}

// RoomResolver turns a booking into a chat room. Creation is tried first,
// then lookup, and when both fail the booking gets a pending room that is
// promoted once the first message is sent.
type RoomResolver struct {
	client RoomAPI
	logger *slog.Logger

	mu       sync.Mutex
	resolved map[string]domain.ChatRoom // bookingID -> room
}

func NewRoomResolver(client RoomAPI, logger *slog.Logger) *RoomResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomResolver{
		client:   client,
		logger:   logger.With("component", "rooms"),
		resolved: make(map[string]domain.ChatRoom),
	}
}

// Resolve returns the room for bookingID. Only an empty booking id is an
// error; backend failures degrade to a PendingRoom.
func (r *RoomResolver) Resolve(ctx context.Context, bookingID string) (domain.RoomRef, error) {
	if bookingID == "" {
		return nil, domain.ErrChatUnavailable
	}
	if room, ok := r.cached(bookingID); ok {
		return domain.RealRoom{Room: room}, nil
	}

	room, err := r.client.GetOrCreateRoomForBooking(ctx, bookingID)
	if err == nil {
		return r.remember(bookingID, room), nil
	}
	r.logger.Warn("create room failed, looking up existing", "booking_id", bookingID, "error", err)

	room, err = r.client.GetRoomForBooking(ctx, bookingID)
	if err == nil {
		return r.remember(bookingID, room), nil
	}
	r.logger.Warn("room lookup failed, using pending room", "booking_id", bookingID, "error", err)

	return domain.PendingRoom{Booking: bookingID}, nil
}

// Promote creates the server room for a pending booking
func (r *RoomResolver) Promote(ctx context.Context, p domain.PendingRoom) (domain.RealRoom, error) {
	if room, ok := r.cached(p.Booking); ok {
		return domain.RealRoom{Room: room}, nil
	}
	room, err := r.client.GetOrCreateRoomForBooking(ctx, p.Booking)
	if err != nil {
		return domain.RealRoom{}, fmt.Errorf("%w: create room for booking %s: %v", domain.ErrChatUnavailable, p.Booking, err)
	}
	ref := r.remember(p.Booking, room)
	r.logger.Info("pending room promoted", "booking_id", p.Booking, "room_id", room.ID)
	return ref, nil
}

func (r *RoomResolver) cached(bookingID string) (domain.ChatRoom, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.resolved[bookingID]
	return room, ok
}

func (r *RoomResolver) remember(bookingID string, room *domain.ChatRoom) domain.RealRoom {
	if room.BookingID == "" {
		room.BookingID = bookingID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved[bookingID] = *room
	return domain.RealRoom{Room: *room}
}

// Forget drops the remembered room for bookingID
func (r *RoomResolver) Forget(bookingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resolved, bookingID)
}

// Reset drops every remembered room
func (r *RoomResolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = make(map[string]domain.ChatRoom)
}
