package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/pubsub"
)

var testViewer = domain.Viewer{UserID: viewerID, Name: "Carla"}

func newTestTyping(t *testing.T, l *live, opts TypingOptions) *TypingCoordinator {
	t.Helper()
	opts.Logger = quietLogger()
	tc := NewTypingCoordinator("42", testViewer, l.manager, l.registry, opts)
	t.Cleanup(tc.Close)
	return tc
}

func typingSignal(userID string, on bool) domain.TypingSignal {
	return domain.TypingSignal{RoomID: "42", UserID: userID, UserName: userID, IsTyping: on}
}

func TestTyping_RemoteExpiresAfterTimeout(t *testing.T) {
	l := newLive(t)
	clock := newFakeClock()
	tc := newTestTyping(t, l, TypingOptions{Now: clock.Now})
	topic := pubsub.Topics.RoomTyping("42")

	l.publish(t, topic, pubsub.EventTyping, typingSignal(otherID, true))
	assert.True(t, tc.IsRemoteTyping())

	clock.Advance(2999 * time.Millisecond)
	assert.True(t, tc.IsRemoteTyping())

	clock.Advance(2 * time.Millisecond)
	assert.False(t, tc.IsRemoteTyping())
	assert.Empty(t, tc.TypingUsers())
}

func TestTyping_RemoteTrueExtendsDeadline(t *testing.T) {
	l := newLive(t)
	clock := newFakeClock()
	tc := newTestTyping(t, l, TypingOptions{Now: clock.Now})
	topic := pubsub.Topics.RoomTyping("42")

	l.publish(t, topic, pubsub.EventTyping, typingSignal(otherID, true))
	clock.Advance(2 * time.Second)
	l.publish(t, topic, pubsub.EventTyping, typingSignal(otherID, true))
	clock.Advance(2 * time.Second)

	assert.True(t, tc.IsRemoteTyping())
}

func TestTyping_RemoteFalseClearsImmediately(t *testing.T) {
	l := newLive(t)
	tc := newTestTyping(t, l, TypingOptions{})
	topic := pubsub.Topics.RoomTyping("42")

	l.publish(t, topic, pubsub.EventTyping, typingSignal(otherID, true))
	users := tc.TypingUsers()
	require.Len(t, users, 1)
	assert.Equal(t, otherID, users[0].UserID)

	l.publish(t, topic, pubsub.EventTyping, typingSignal(otherID, false))
	assert.False(t, tc.IsRemoteTyping())
}

func TestTyping_OwnEchoIgnored(t *testing.T) {
	l := newLive(t)
	tc := newTestTyping(t, l, TypingOptions{})

	l.publish(t, pubsub.Topics.RoomTyping("42"), pubsub.EventTyping, typingSignal(viewerID, true))
	assert.False(t, tc.IsRemoteTyping())
}

func TestTyping_RemoteExpiryNotifies(t *testing.T) {
	l := newLive(t)
	tc := newTestTyping(t, l, TypingOptions{Timeout: 30 * time.Millisecond})

	changes := make(chan struct{}, 4)
	tc.OnChange(func() { changes <- struct{}{} })

	l.publish(t, pubsub.Topics.RoomTyping("42"), pubsub.EventTyping, typingSignal(otherID, true))
	<-changes

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("expiry was not notified")
	}
	assert.False(t, tc.IsRemoteTyping())
}

func TestTyping_LocalBurstSendsOnce(t *testing.T) {
	l := newLive(t)
	sent := l.capture(t, pubsub.Destinations.Typing("42"))
	tc := newTestTyping(t, l, TypingOptions{Timeout: time.Minute})
	ctx := context.Background()

	tc.Keystroke(ctx)
	tc.Keystroke(ctx)
	tc.Keystroke(ctx)
	assert.True(t, tc.LocalTyping())
	assert.Equal(t, []bool{true}, sent.typingFlags(t))

	tc.MessageSent(ctx)
	assert.False(t, tc.LocalTyping())
	assert.Equal(t, []bool{true, false}, sent.typingFlags(t))

	// next burst starts again
	tc.Keystroke(ctx)
	assert.Equal(t, []bool{true, false, true}, sent.typingFlags(t))
}

func TestTyping_LocalIdleTimeout(t *testing.T) {
	l := newLive(t)
	sent := l.capture(t, pubsub.Destinations.Typing("42"))
	tc := newTestTyping(t, l, TypingOptions{Timeout: 30 * time.Millisecond})

	tc.Keystroke(context.Background())

	assert.Eventually(t, func() bool {
		return !tc.LocalTyping() && len(sent.all()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []bool{true, false}, sent.typingFlags(t))
}

func TestTyping_KeystrokeWhileDisconnected(t *testing.T) {
	l := newLive(t)
	tc := newTestTyping(t, l, TypingOptions{Timeout: time.Minute})
	l.manager.Disconnect()

	tc.Keystroke(context.Background())
	assert.False(t, tc.LocalTyping())
}

func TestTyping_CloseEndsBurstAndUnsubscribes(t *testing.T) {
	l := newLive(t)
	sent := l.capture(t, pubsub.Destinations.Typing("42"))
	tc := NewTypingCoordinator("42", testViewer, l.manager, l.registry, TypingOptions{Timeout: time.Minute, Logger: quietLogger()})

	tc.Keystroke(context.Background())
	require.Equal(t, 1, l.registry.ListenerCount(pubsub.Topics.RoomTyping("42")))

	tc.Close()
	assert.Equal(t, []bool{true, false}, sent.typingFlags(t))
	assert.Equal(t, 0, l.registry.ListenerCount(pubsub.Topics.RoomTyping("42")))

	// closed coordinator ignores input
	tc.Keystroke(context.Background())
	assert.Len(t, sent.all(), 2)
}
