package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/carechat/internal/auth"
	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/pubsub"
)

type testRelay struct {
	url     string
	tokens  *auth.TokenService
	backend *pubsub.MemoryPubSub
	hub     *Hub
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(t *testing.T, opts ...HubOption) *testRelay {
	t.Helper()

	tokens, err := auth.NewTokenService(strings.Repeat("k", 32))
	require.NoError(t, err)

	backend := pubsub.NewMemoryPubSub()
	hub := NewHub(backend, tokens, quietLogger(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewHandler(hub, quietLogger()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		backend.Close()
	})

	return &testRelay{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		tokens:  tokens,
		backend: backend,
		hub:     hub,
	}
}

func (r *testRelay) token(t *testing.T, userID, name string) string {
	t.Helper()
	tok, _, err := r.tokens.GenerateAccessToken(userID, name)
	require.NoError(t, err)
	return tok
}

func (r *testRelay) dial(t *testing.T, userID, name string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, r.url, r.token(t, userID, name), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func collect(t *testing.T, ps pubsub.PubSub, topic string) <-chan *pubsub.Message {
	t.Helper()
	ch := make(chan *pubsub.Message, 16)
	_, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *pubsub.Message) {
		ch <- msg
	})
	require.NoError(t, err)
	return ch
}

func nextEvent(t *testing.T, ch <-chan *pubsub.Message) *pubsub.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestRelay_SendMessageReachesSubscribers(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.dial(t, "alice", "Alice")
	bob := relay.dial(t, "bob", "Bob")

	assert.Equal(t, "alice", alice.UserID())

	topic := pubsub.Topics.RoomMessages("42")
	aliceEvents := collect(t, alice, topic)
	bobEvents := collect(t, bob, topic)

	require.Eventually(t, func() bool {
		return relay.backend.SubscriberCount(topic) == 2
	}, 5*time.Second, 10*time.Millisecond)

	out, err := pubsub.NewMessage(pubsub.Destinations.SendMessage("42"), pubsub.EventMessageNew,
		domain.OutgoingMessage{Content: "  hello  ", TempID: "tmp-1"})
	require.NoError(t, err)
	require.NoError(t, bob.Publish(context.Background(), pubsub.Destinations.SendMessage("42"), out))

	for _, ch := range []<-chan *pubsub.Message{aliceEvents, bobEvents} {
		msg := nextEvent(t, ch)
		assert.Equal(t, pubsub.EventMessageNew, msg.Type)
		assert.Equal(t, topic, msg.Topic)

		var m domain.Message
		require.NoError(t, msg.Decode(&m))
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, "42", m.RoomID)
		assert.Equal(t, "bob", m.SenderID)
		assert.Equal(t, "Bob", m.SenderName)
		assert.Equal(t, "hello", m.Content)
		assert.Equal(t, "tmp-1", m.TempID)
		assert.Equal(t, domain.MessageStatusSent, m.Status)
	}
}

func TestRelay_TypingAndReadRouting(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.dial(t, "alice", "Alice")
	bob := relay.dial(t, "bob", "Bob")

	typing := collect(t, alice, pubsub.Topics.RoomTyping("7"))
	reads := collect(t, alice, pubsub.Topics.RoomReads("7"))
	require.Eventually(t, func() bool {
		return relay.backend.SubscriberCount(pubsub.Topics.RoomReads("7")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sig, _ := pubsub.NewMessage("", pubsub.EventTyping, domain.TypingSignal{IsTyping: true})
	require.NoError(t, bob.Publish(context.Background(), pubsub.Destinations.Typing("7"), sig))

	msg := nextEvent(t, typing)
	var got domain.TypingSignal
	require.NoError(t, msg.Decode(&got))
	assert.Equal(t, domain.TypingSignal{RoomID: "7", UserID: "bob", UserName: "Bob", IsTyping: true}, got)

	read, _ := pubsub.NewMessage("", pubsub.EventReceiptRead, struct{}{})
	require.NoError(t, bob.Publish(context.Background(), pubsub.Destinations.MarkRead("7"), read))

	msg = nextEvent(t, reads)
	assert.Equal(t, pubsub.EventReceiptRead, msg.Type)
	var receipt domain.ReadReceipt
	require.NoError(t, msg.Decode(&receipt))
	assert.Equal(t, "7", receipt.RoomID)
	assert.Equal(t, "bob", receipt.ReaderID)
	assert.False(t, receipt.ReadAt.IsZero())
}

type recordingStore struct {
	mu       sync.Mutex
	messages []domain.Message
	reads    []string
}

func (s *recordingStore) SaveMessage(ctx context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingStore) MarkRead(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, roomID+"/"+userID)
	return nil
}

func (s *recordingStore) snapshot() ([]domain.Message, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages...), append([]string(nil), s.reads...)
}

func TestRelay_StoresBeforePublishing(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	store := &recordingStore{}
	relay := newTestRelay(t, WithMessageStore(store), WithClock(func() time.Time { return stamp }))
	alice := relay.dial(t, "alice", "Alice")

	events := collect(t, alice, pubsub.Topics.RoomMessages("9"))
	require.Eventually(t, func() bool {
		return relay.backend.SubscriberCount(pubsub.Topics.RoomMessages("9")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	out, _ := pubsub.NewMessage("", pubsub.EventMessageNew, domain.OutgoingMessage{Content: "hi"})
	require.NoError(t, alice.Publish(context.Background(), pubsub.Destinations.SendMessage("9"), out))
	read, _ := pubsub.NewMessage("", pubsub.EventReceiptRead, struct{}{})
	require.NoError(t, alice.Publish(context.Background(), pubsub.Destinations.MarkRead("9"), read))

	var live domain.Message
	require.NoError(t, nextEvent(t, events).Decode(&live))
	assert.True(t, stamp.Equal(live.CreatedAt))

	require.Eventually(t, func() bool {
		_, reads := store.snapshot()
		return len(reads) == 1
	}, 5*time.Second, 10*time.Millisecond)

	saved, reads := store.snapshot()
	require.Len(t, saved, 1)
	assert.Equal(t, live.ID, saved[0].ID)
	assert.True(t, stamp.Equal(saved[0].CreatedAt))
	assert.Equal(t, []string{"9/alice"}, reads)
}

func TestRelay_PresenceReplayAndOffline(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.dial(t, "alice", "Alice")
	bob := relay.dial(t, "bob", "Bob")

	events := collect(t, bob, pubsub.Topics.Presence("alice"))

	var p domain.PresenceEvent
	require.NoError(t, nextEvent(t, events).Decode(&p))
	assert.Equal(t, domain.PresenceEvent{UserID: "alice", Online: true}, p)
	assert.True(t, relay.hub.IsUserOnline("alice"))

	alice.Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-events:
			require.NoError(t, msg.Decode(&p))
			if !p.Online {
				assert.False(t, relay.hub.IsUserOnline("alice"))
				return
			}
		case <-deadline:
			t.Fatal("never saw alice go offline")
		}
	}
}

func TestRelay_UnsubscribeStopsDelivery(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.dial(t, "alice", "Alice")

	topic := pubsub.Topics.RoomMessages("1")
	sub, err := alice.Subscribe(context.Background(), topic, func(ctx context.Context, msg *pubsub.Message) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return relay.backend.SubscriberCount(topic) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	require.Eventually(t, func() bool { return relay.backend.SubscriberCount(topic) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_DisconnectReleasesSubscriptions(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.dial(t, "alice", "Alice")

	topic := pubsub.Topics.RoomMessages("1")
	collect(t, alice, topic)
	require.Eventually(t, func() bool { return relay.backend.SubscriberCount(topic) == 1 }, 5*time.Second, 10*time.Millisecond)

	alice.Close()

	select {
	case <-alice.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	require.Eventually(t, func() bool { return relay.backend.SubscriberCount(topic) == 0 }, 5*time.Second, 10*time.Millisecond)

	err := alice.Publish(context.Background(), pubsub.Destinations.SendMessage("1"), &pubsub.Message{})
	assert.ErrorIs(t, err, pubsub.ErrClosed)
}

func TestRelay_RejectsBadToken(t *testing.T) {
	relay := newTestRelay(t)

	_, err := Dial(context.Background(), relay.url, "not-a-token", quietLogger())
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestRelay_AuthFrame(t *testing.T) {
	relay := newTestRelay(t)

	ws, resp, err := websocket.DefaultDialer.Dial(relay.url, nil)
	require.NoError(t, err)
	defer ws.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// Subscribing before auth is refused
	require.NoError(t, ws.WriteJSON(Frame{Type: FrameSubscribe, ID: "s1", Topic: "chat.room.1.messages"}))
	f := readFrame(t, ws)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, CodeNotAuthenticated, errorCode(t, f))

	authFrame, _ := NewFrame(FrameAuth, AuthPayload{Token: relay.token(t, "carol", "Carol")})
	require.NoError(t, ws.WriteJSON(authFrame))

	f = readFrame(t, ws)
	require.Equal(t, FrameAuthSuccess, f.Type)
	var success AuthSuccessPayload
	require.NoError(t, json.Unmarshal(f.Payload, &success))
	assert.Equal(t, "carol", success.UserID)
	assert.Equal(t, "Carol", success.Username)
}

func TestRelay_ErrorFrames(t *testing.T) {
	relay := newTestRelay(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+relay.token(t, "dave", "Dave"))
	ws, resp, err := websocket.DefaultDialer.Dial(relay.url, header)
	require.NoError(t, err)
	defer ws.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.Equal(t, FrameAuthSuccess, readFrame(t, ws).Type)

	tests := []struct {
		name  string
		frame Frame
		code  string
	}{
		{"unknown frame", Frame{Type: "bogus"}, CodeUnknownFrame},
		{"wildcard topic", Frame{Type: FrameSubscribe, ID: "s1", Topic: "chat.>"}, CodeInvalidTopic},
		{"missing id", Frame{Type: FrameSubscribe, Topic: "chat.room.1.typing"}, CodeInvalidFrame},
		{"unknown destination", Frame{Type: FramePublish, Topic: "app.chat.1.delete", Payload: json.RawMessage(`{}`)}, CodeUnknownRoute},
		{"empty message", Frame{Type: FramePublish, Topic: "app.chat.1.send", Payload: json.RawMessage(`{"content":"   "}`)}, CodeEmptyMessage},
		{"bad payload", Frame{Type: FramePublish, Topic: "app.chat.1.send", Payload: json.RawMessage(`[1]`)}, CodeInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, ws.WriteJSON(tt.frame))
			f := readFrame(t, ws)
			require.Equal(t, FrameError, f.Type)
			assert.Equal(t, tt.code, errorCode(t, f))
		})
	}
}

func TestRelay_PublishRateLimit(t *testing.T) {
	relay := newTestRelay(t, WithPublishLimit(0.001, 1))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+relay.token(t, "erin", "Erin"))
	ws, resp, err := websocket.DefaultDialer.Dial(relay.url, header)
	require.NoError(t, err)
	defer ws.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.Equal(t, FrameAuthSuccess, readFrame(t, ws).Type)

	typing := Frame{Type: FramePublish, Topic: "app.chat.1.typing", Payload: json.RawMessage(`{"isTyping":true}`)}
	require.NoError(t, ws.WriteJSON(typing))
	require.NoError(t, ws.WriteJSON(typing))

	f := readFrame(t, ws)
	require.Equal(t, FrameError, f.Type)
	assert.Equal(t, CodeRateLimited, errorCode(t, f))
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	// Only the first of a batch is inspected
	first := strings.SplitN(string(data), "\n", 2)[0]
	var f Frame
	require.NoError(t, json.Unmarshal([]byte(first), &f))
	return f
}

func errorCode(t *testing.T, f Frame) string {
	t.Helper()
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return p.Code
}
