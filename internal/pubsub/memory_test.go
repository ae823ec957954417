package pubsub

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

const testTopic = "chat.room.42.messages"

func TestMemoryPubSub_PublishSubscribe(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	var got *Message
	sub, err := ps.Subscribe(context.Background(), testTopic, func(ctx context.Context, msg *Message) {
		got = msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	msg, err := NewMessage(testTopic, EventMessageNew, map[string]string{"id": "1"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	if err := ps.Publish(context.Background(), testTopic, msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Delivery is synchronous
	if got == nil {
		t.Fatal("message not delivered")
	}
	if got.Type != EventMessageNew {
		t.Errorf("got type %q, want %q", got.Type, EventMessageNew)
	}

	var payload map[string]string
	if err := got.Decode(&payload); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if payload["id"] != "1" {
		t.Errorf("got id %q, want 1", payload["id"])
	}
}

func TestMemoryPubSub_MultipleSubscribers(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	var count atomic.Int32
	for i := 0; i < 3; i++ {
		sub, err := ps.Subscribe(context.Background(), testTopic, func(ctx context.Context, msg *Message) {
			count.Add(1)
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer sub.Unsubscribe()
	}

	ps.Publish(context.Background(), testTopic, &Message{Topic: testTopic, Type: "test"})

	if count.Load() != 3 {
		t.Errorf("got %d deliveries, want 3", count.Load())
	}
}

func TestMemoryPubSub_DeliveryOrder(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	var order []string
	ps.Subscribe(context.Background(), testTopic, func(ctx context.Context, msg *Message) {
		order = append(order, msg.Type)
	})

	for _, typ := range []string{"a", "b", "c"} {
		ps.Publish(context.Background(), testTopic, &Message{Topic: testTopic, Type: typ})
	}

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("got order %v, want [a b c]", order)
	}
}

func TestMemoryPubSub_Unsubscribe(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	var received atomic.Int32
	sub, _ := ps.Subscribe(context.Background(), testTopic, func(ctx context.Context, msg *Message) {
		received.Add(1)
	})

	ps.Publish(context.Background(), testTopic, &Message{Topic: testTopic, Type: "test"})
	if received.Load() != 1 {
		t.Fatal("first message not received")
	}

	sub.Unsubscribe()

	ps.Publish(context.Background(), testTopic, &Message{Topic: testTopic, Type: "test"})
	if received.Load() != 1 {
		t.Error("received message after unsubscribe")
	}
	if ps.TopicCount() != 0 {
		t.Errorf("expected 0 topics, got %d", ps.TopicCount())
	}
}

func TestMemoryPubSub_Close(t *testing.T) {
	ps := NewMemoryPubSub()

	ps.Subscribe(context.Background(), testTopic, func(ctx context.Context, msg *Message) {})

	if ps.TopicCount() != 1 {
		t.Errorf("expected 1 topic, got %d", ps.TopicCount())
	}

	ps.Close()

	if ps.TopicCount() != 0 {
		t.Errorf("expected 0 topics after close, got %d", ps.TopicCount())
	}

	select {
	case <-ps.Done():
	default:
		t.Error("Done not closed after Close")
	}

	err := ps.Publish(context.Background(), testTopic, &Message{})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	_, err = ps.Subscribe(context.Background(), testTopic, func(ctx context.Context, msg *Message) {})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryPubSub_NoSubscribers(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	err := ps.Publish(context.Background(), "chat.room.7.typing", &Message{Type: "test"})
	if err != nil {
		t.Errorf("publish to empty topic failed: %v", err)
	}
}

func TestMemoryPubSub_InvalidTopic(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	for _, topic := range []string{"", "chat room", "chat.*", "chat.>", "chat..room"} {
		_, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {})
		if !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("Subscribe(%q): expected ErrInvalidTopic, got %v", topic, err)
		}
	}
}

func TestMemoryConn_Drop(t *testing.T) {
	broker := NewMemoryPubSub()
	defer broker.Close()

	conn, err := broker.Connect("token-1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if conn.Token() != "token-1" {
		t.Errorf("got token %q", conn.Token())
	}

	var received atomic.Int32
	if _, err := conn.Subscribe(context.Background(), testTopic, func(ctx context.Context, msg *Message) {
		received.Add(1)
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if broker.SubscriberCount(testTopic) != 1 {
		t.Fatalf("expected 1 broker subscriber, got %d", broker.SubscriberCount(testTopic))
	}

	conn.Drop()

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Drop")
	}

	if broker.SubscriberCount(testTopic) != 0 {
		t.Errorf("expected subscriptions released, got %d", broker.SubscriberCount(testTopic))
	}
	if broker.ConnCount() != 0 {
		t.Errorf("expected 0 connections, got %d", broker.ConnCount())
	}

	broker.Publish(context.Background(), testTopic, &Message{Topic: testTopic, Type: "test"})
	if received.Load() != 0 {
		t.Error("dropped connection received a message")
	}

	if err := conn.Publish(context.Background(), testTopic, &Message{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed publishing on dropped conn, got %v", err)
	}
}

func TestMemoryPubSub_DialerAuthorizer(t *testing.T) {
	broker := NewMemoryPubSub()
	defer broker.Close()

	errDenied := errors.New("denied")
	broker.SetAuthorizer(func(token string) error {
		if token != "good" {
			return errDenied
		}
		return nil
	})

	dial := broker.Dialer()

	if _, err := dial(context.Background(), "bad"); !errors.Is(err, errDenied) {
		t.Errorf("expected denied, got %v", err)
	}

	ps, err := dial(context.Background(), "good")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	broker.DropAll()
	select {
	case <-ps.Done():
	default:
		t.Error("DropAll did not close the connection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := dial(ctx, "good"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestTopicBuilder(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"RoomMessages", Topics.RoomMessages("123"), "chat.room.123.messages"},
		{"RoomTyping", Topics.RoomTyping("123"), "chat.room.123.typing"},
		{"RoomReads", Topics.RoomReads("123"), "chat.room.123.read"},
		{"Presence", Topics.Presence("456"), "presence.user.456"},
		{"SendMessage", Destinations.SendMessage("9"), "app.chat.9.send"},
		{"Typing", Destinations.Typing("9"), "app.chat.9.typing"},
		{"MarkRead", Destinations.MarkRead("9"), "app.chat.9.read"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestIsStateTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  bool
	}{
		{Topics.Presence("456"), true},
		{Topics.RoomMessages("123"), false},
		{Topics.RoomTyping("123"), false},
		{Topics.RoomReads("123"), false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got := IsStateTopic(tt.topic); got != tt.want {
				t.Errorf("IsStateTopic(%q) = %v, want %v", tt.topic, got, tt.want)
			}
		})
	}
}

func TestParseDestination(t *testing.T) {
	tests := []struct {
		dest   string
		room   string
		action string
		ok     bool
	}{
		{"app.chat.42.send", "42", ActionSend, true},
		{"app.chat.abc-1.read", "abc-1", ActionRead, true},
		{"app.chat.42.", "", "", false},
		{"app.chat..send", "", "", false},
		{"chat.room.42.messages", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.dest, func(t *testing.T) {
			room, action, ok := ParseDestination(tt.dest)
			if ok != tt.ok || room != tt.room || action != tt.action {
				t.Errorf("got (%q, %q, %v), want (%q, %q, %v)", room, action, ok, tt.room, tt.action, tt.ok)
			}
		})
	}
}
