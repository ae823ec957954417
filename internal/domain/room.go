package domain

import "time"

type RoomStatus string

const (
	RoomStatusActive   RoomStatus = "ACTIVE"
	RoomStatusPending  RoomStatus = "PENDING"
	RoomStatusArchived RoomStatus = "ARCHIVED"
)

// TempRoomPrefix marks the synthetic id of a room that exists only on the client.
const TempRoomPrefix = "temp_"

// ChatRoom is the chat resource attached to a booking
type ChatRoom struct {
	ID            string        `json:"id"`
	BookingID     string        `json:"bookingId"`
	Participants  []Participant `json:"participants,omitempty"`
	Status        RoomStatus    `json:"status"`
	LastMessage   string        `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time    `json:"lastMessageAt,omitempty"`
	UnreadCount   int           `json:"unreadCount"`
}

// Participant returns the room member with the given user ID
func (r *ChatRoom) Participant(userID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// Counterpart returns the first participant that is not userID.
// Booking rooms have exactly two members, so this is "the other side".
func (r *ChatRoom) Counterpart(userID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.UserID != userID {
			return p, true
		}
	}
	return Participant{}, false
}

func (r *ChatRoom) IsArchived() bool {
	return r.Status == RoomStatusArchived
}

// RoomRef is the result of resolving a booking to a chat room.
// It is either a RealRoom backed by the server or a PendingRoom that
// only exists until the first message forces server-side creation.
type RoomRef interface {
	BookingID() string
	// Pending reports whether the room still lacks a server resource.
	Pending() bool
	isRoomRef()
}

// RealRoom is a room that exists on the server
type RealRoom struct {
	Room ChatRoom
}

func (r RealRoom) BookingID() string { return r.Room.BookingID }
func (r RealRoom) Pending() bool     { return false }
func (RealRoom) isRoomRef()          {}

// ID returns the server room id
func (r RealRoom) ID() string { return r.Room.ID }

// PendingRoom is a placeholder for a booking whose chat room does not exist yet
type PendingRoom struct {
	Booking string
}

func (p PendingRoom) BookingID() string { return p.Booking }
func (p PendingRoom) Pending() bool     { return true }
func (PendingRoom) isRoomRef()          {}

// TempID is the display id used while the room is pending
func (p PendingRoom) TempID() string { return TempRoomPrefix + p.Booking }

// RoomID returns the server id for real rooms and the temp id for pending ones
func RoomID(ref RoomRef) string {
	switch r := ref.(type) {
	case RealRoom:
		return r.Room.ID
	case PendingRoom:
		return r.TempID()
	default:
		return ""
	}
}
