package websocket

import (
	"time"

	"github.com/goccy/go-json"
)

// Frame types for client -> relay
const (
	FrameAuth        = "auth"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
)

// Frame types for relay -> client
const (
	FrameAuthSuccess = "auth.success"
	FrameEvent       = "event"
	FrameError       = "error"
)

// Error codes carried in ErrorPayload.Code
const (
	CodeInvalidFrame     = "invalid_frame"
	CodeInvalidPayload   = "invalid_payload"
	CodeAuthFailed       = "auth_failed"
	CodeNotAuthenticated = "not_authenticated"
	CodeInvalidTopic     = "invalid_topic"
	CodeUnknownFrame     = "unknown_frame"
	CodeUnknownRoute     = "unknown_destination"
	CodeRateLimited      = "rate_limited"
	CodeEmptyMessage     = "empty_message"
	CodeMessageTooLong   = "message_too_long"
	CodePublishFailed    = "publish_failed"
)

// Frame is the WebSocket envelope in both directions.
//
// ID carries the client-chosen subscription id on subscribe, unsubscribe
// and event frames. Topic is a topic on subscribe/event frames and an
// outbound destination on publish frames. EventType is the event type of
// an event frame (message.new, typing, ...).
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	EventType string          `json:"eventType,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewFrame creates a frame with the current timestamp
func NewFrame(frameType string, payload interface{}) (*Frame, error) {
	f := &Frame{
		Type:      frameType,
		Timestamp: time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = data
	}
	return f, nil
}

// AuthPayload authenticates the connection when no header was accepted
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthSuccessPayload confirms successful authentication
type AuthSuccessPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// ErrorPayload for error responses. ID echoes the frame that failed.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
