package chat

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/observer/carechat/internal/auth"
	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/pubsub"
	"github.com/observer/carechat/internal/realtime"
)

const (
	viewerID = "cust"
	otherID  = "care"
)

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func msg(id, sender string, minute int) domain.Message {
	return domain.Message{
		ID:        id,
		RoomID:    "42",
		SenderID:  sender,
		Content:   "message " + id,
		CreatedAt: baseTime.Add(time.Duration(minute) * time.Minute),
		Status:    domain.MessageStatusSent,
	}
}

func messageIDs(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: baseTime}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type live struct {
	broker   *pubsub.MemoryPubSub
	manager  *realtime.Manager
	registry *realtime.Registry
}

// newLive connects a manager for viewerID to an in-memory broker
func newLive(t *testing.T) *live {
	t.Helper()

	broker := pubsub.NewMemoryPubSub()
	m := realtime.NewManager(realtime.Options{Dial: broker.Dialer(), Logger: quietLogger()})
	reg := realtime.NewRegistry(m, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx, auth.Credential{Token: "tok", UserID: viewerID, Username: "Carla"}))
	t.Cleanup(func() {
		m.Disconnect()
		broker.Close()
	})

	return &live{broker: broker, manager: m, registry: reg}
}

func (l *live) publish(t *testing.T, topic, eventType string, payload interface{}) {
	t.Helper()
	m, err := pubsub.NewMessage(topic, eventType, payload)
	require.NoError(t, err)
	require.NoError(t, l.broker.Publish(context.Background(), topic, m))
}

// capture records what is published to topic on the broker
func (l *live) capture(t *testing.T, topic string) *captured {
	t.Helper()
	c := &captured{}
	_, err := l.broker.Subscribe(context.Background(), topic, func(ctx context.Context, m *pubsub.Message) {
		c.mu.Lock()
		c.msgs = append(c.msgs, m)
		c.mu.Unlock()
	})
	require.NoError(t, err)
	return c
}

type captured struct {
	mu   sync.Mutex
	msgs []*pubsub.Message
}

func (c *captured) all() []*pubsub.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*pubsub.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *captured) typingFlags(t *testing.T) []bool {
	t.Helper()
	var out []bool
	for _, m := range c.all() {
		var sig domain.TypingSignal
		require.NoError(t, m.Decode(&sig))
		out = append(out, sig.IsTyping)
	}
	return out
}
