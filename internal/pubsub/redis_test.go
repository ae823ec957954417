package pubsub

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisURL returns CARECHAT_TEST_REDIS_URL or skips the test
func redisURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("CARECHAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CARECHAT_TEST_REDIS_URL not set")
	}
	return url
}

func TestRedisPubSub_InvalidURL(t *testing.T) {
	_, err := NewRedisPubSub(context.Background(), "not-a-redis-url", nil)
	assert.Error(t, err)

	_, err = DialRedis("://", nil)(context.Background(), "")
	assert.Error(t, err)
}

func TestRedisPubSub_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// nothing listens on port 1
	_, err := DialRedis("redis://127.0.0.1:1/0", nil)(ctx, "")
	assert.Error(t, err)
}

func TestRedisPubSub_PublishSubscribe(t *testing.T) {
	url := redisURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps, err := NewRedisPubSub(ctx, url, nil)
	require.NoError(t, err)
	defer ps.Close()

	received := make(chan *Message, 4)
	sub, err := ps.Subscribe(ctx, testTopic, func(ctx context.Context, msg *Message) {
		received <- msg
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ps.SubscriberCount(testTopic))

	msg, err := NewMessage(testTopic, EventMessageNew, map[string]string{"id": "1"})
	require.NoError(t, err)
	require.NoError(t, ps.Publish(ctx, testTopic, msg))

	select {
	case got := <-received:
		assert.Equal(t, EventMessageNew, got.Type)
		assert.Equal(t, testTopic, got.Topic)
	case <-ctx.Done():
		t.Fatal("timeout waiting for message")
	}

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, ps.SubscriberCount(testTopic))

	require.NoError(t, ps.Close())
	select {
	case <-ps.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	assert.ErrorIs(t, ps.Publish(ctx, testTopic, msg), ErrClosed)
}
