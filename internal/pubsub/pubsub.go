// Package pubsub provides the interface-driven wire used by the realtime client.
// A PubSub is one physical connection to a push backend; implementations exist
// for the WebSocket relay protocol (package websocket), Redis, NATS and an
// in-memory broker used for tests and offline runs.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Event types carried in Message.Type
const (
	EventMessageNew    = "message.new"
	EventMessageStatus = "message.status"
	EventTyping        = "typing"
	EventReceiptRead   = "receipt.read"
	EventPresence      = "presence"
)

// Message represents a pub/sub message with typed payload
type Message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage marshals payload into a message for topic
func NewMessage(topic, eventType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Message{Topic: topic, Type: eventType, Payload: data}, nil
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return errors.New("pubsub: empty payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// Handler is a callback for processing messages
type Handler func(ctx context.Context, msg *Message)

// Subscription represents an active subscription that can be closed
type Subscription interface {
	// Unsubscribe removes the subscription
	Unsubscribe() error
}

// PubSub defines the interface for publish/subscribe operations.
// All implementations must be safe for concurrent use, and must deliver
// messages of one subscription to its handler in arrival order.
type PubSub interface {
	// Publish sends a message to all subscribers of the given topic.
	// Returns error if the message could not be published.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe registers a handler for messages on the given topic.
	// The handler is called for each message published to the topic.
	// Returns a Subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close shuts down the pub/sub system and releases resources.
	Close() error

	// Done is closed once the connection is gone, whether by Close or by
	// transport failure.
	Done() <-chan struct{}
}

// Dialer opens a new connection authenticated with a bearer token
type Dialer func(ctx context.Context, token string) (PubSub, error)

// TopicBuilder helps construct consistent topic names.
// Names are dot-separated so they are valid NATS subjects and Redis channels.
type TopicBuilder struct{}

// RoomMessages returns the topic for new messages and status updates in a room
func (t TopicBuilder) RoomMessages(roomID string) string {
	return "chat.room." + roomID + ".messages"
}

// RoomTyping returns the topic for typing indicators in a room
func (t TopicBuilder) RoomTyping(roomID string) string {
	return "chat.room." + roomID + ".typing"
}

// RoomReads returns the topic for read receipts in a room
func (t TopicBuilder) RoomReads(roomID string) string {
	return "chat.room." + roomID + ".read"
}

// Presence returns the topic for a user's online status
func (t TopicBuilder) Presence(userID string) string {
	return "presence.user." + userID
}

// Topics is a helper for building topic names
var Topics = TopicBuilder{}

// IsStateTopic reports whether events on topic describe current state
// rather than a stream, so the latest one stays meaningful for late readers
func IsStateTopic(topic string) bool {
	return strings.HasPrefix(topic, "presence.user.")
}

// Destination actions understood by the backend
const (
	ActionSend   = "send"
	ActionTyping = "typing"
	ActionRead   = "read"
)

const destinationPrefix = "app.chat."

// DestinationBuilder builds outbound (client -> server) destinations
type DestinationBuilder struct{}

func (DestinationBuilder) SendMessage(roomID string) string {
	return destinationPrefix + roomID + "." + ActionSend
}

func (DestinationBuilder) Typing(roomID string) string {
	return destinationPrefix + roomID + "." + ActionTyping
}

func (DestinationBuilder) MarkRead(roomID string) string {
	return destinationPrefix + roomID + "." + ActionRead
}

// Destinations is a helper for building destination names
var Destinations = DestinationBuilder{}

// ParseDestination splits an outbound destination into room id and action
func ParseDestination(dest string) (roomID, action string, ok bool) {
	if !strings.HasPrefix(dest, destinationPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(dest, destinationPrefix)
	i := strings.LastIndexByte(rest, '.')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// ValidateTopic rejects names that cannot be used on every backend
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, " \t\r\n*>") {
		return fmt.Errorf("%w: %q contains whitespace or wildcards", ErrInvalidTopic, topic)
	}
	for _, token := range strings.Split(topic, ".") {
		if token == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidTopic, topic)
		}
	}
	return nil
}
