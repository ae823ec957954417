package domain

import (
	"strings"
	"time"
)

// MaxMessageLength matches the backend limit on message bodies
const MaxMessageLength = 10000

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusRead      MessageStatus = "READ"
)

func (s MessageStatus) rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses
func (s MessageStatus) Valid() bool {
	return s.rank() > 0
}

// Advance returns the status after applying next.
// Status only moves forward (SENT -> DELIVERED -> READ); the second
// return value is false when next would not move it.
func (s MessageStatus) Advance(next MessageStatus) (MessageStatus, bool) {
	if !next.Valid() || next.rank() <= s.rank() {
		return s, false
	}
	return next, true
}

// Message represents a chat message
type Message struct {
	ID         string        `json:"id"`
	RoomID     string        `json:"roomId"`
	SenderID   string        `json:"senderId"`
	SenderName string        `json:"senderName,omitempty"`
	Content    string        `json:"content"`
	CreatedAt  time.Time     `json:"createdAt"`
	Status     MessageStatus `json:"status,omitempty"`
	TempID     string        `json:"tempId,omitempty"` // echoed back for the sender
}

// IsFrom reports whether userID authored the message
func (m *Message) IsFrom(userID string) bool {
	return m.SenderID == userID
}

// ValidateContent trims content and checks it against the message limits
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}
	if len(content) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return content, nil
}

// TypingSignal is a transient typing indicator, never persisted
type TypingSignal struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// ReadReceipt signals that ReaderID has seen the room up to ReadAt
type ReadReceipt struct {
	RoomID   string    `json:"roomId"`
	ReaderID string    `json:"readerId"`
	ReadAt   time.Time `json:"readAt"`
}

// StatusUpdate moves a single message forward (e.g. to DELIVERED)
type StatusUpdate struct {
	RoomID    string        `json:"roomId"`
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
}

// PresenceEvent for online/offline status
type PresenceEvent struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// UnreadSnapshot is a point-in-time copy of unread state
type UnreadSnapshot struct {
	Total   int
	PerRoom map[string]int
}

// OutgoingMessage is what a client sends to a room's send destination
type OutgoingMessage struct {
	Content string `json:"content"`
	TempID  string `json:"tempId,omitempty"`
}
