package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/carechat/internal/api"
	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/pubsub"
)

type fakeHistory struct {
	mu      sync.Mutex
	pages   map[int]*api.MessagePage
	err     error
	calls   int
	sizes   []int
	started chan struct{}
	release chan struct{}
}

func (f *fakeHistory) GetMessages(ctx context.Context, roomID string, page, size int) (*api.MessagePage, error) {
	f.mu.Lock()
	f.calls++
	f.sizes = append(f.sizes, size)
	p := f.pages[page]
	err := f.err
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &api.MessagePage{Last: true, Number: page}, nil
	}
	return p, nil
}

func (f *fakeHistory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// twoPages serves ids 3,2 on page 0 and 1 on page 1, newest first
func twoPages() *fakeHistory {
	return &fakeHistory{pages: map[int]*api.MessagePage{
		0: {Content: []domain.Message{msg("3", otherID, 3), msg("2", viewerID, 2)}, Number: 0},
		1: {Content: []domain.Message{msg("1", otherID, 1)}, Number: 1, Last: true},
	}}
}

func newTestStore(t *testing.T, l *live, client HistoryAPI, incoming func(domain.Message)) *HistoryStore {
	t.Helper()
	s := NewHistoryStore(client, l.registry, HistoryOptions{
		PageSize:   2,
		Viewer:     func() string { return viewerID },
		OnIncoming: incoming,
		Logger:     quietLogger(),
	})
	t.Cleanup(s.Close)
	return s
}

func TestHistoryStore_LoadReversesPage(t *testing.T) {
	l := newLive(t)
	client := twoPages()
	s := newTestStore(t, l, client, nil)

	require.NoError(t, s.Load(context.Background(), "42"))

	assert.Equal(t, []string{"2", "3"}, messageIDs(s.Messages()))
	assert.True(t, s.HasMore())
	assert.False(t, s.Loading())
	assert.Equal(t, "42", s.RoomID())
	assert.Equal(t, []int{2}, client.sizes)
	assert.Equal(t, 1, l.registry.ListenerCount(pubsub.Topics.RoomMessages("42")))
	assert.Equal(t, 1, l.registry.ListenerCount(pubsub.Topics.RoomReads("42")))
}

func TestHistoryStore_DefaultPageSize(t *testing.T) {
	l := newLive(t)
	client := twoPages()
	s := NewHistoryStore(client, l.registry, HistoryOptions{Logger: quietLogger()})
	t.Cleanup(s.Close)

	require.NoError(t, s.Load(context.Background(), "42"))
	assert.Equal(t, []int{DefaultPageSize}, client.sizes)
}

func TestHistoryStore_LoadMore(t *testing.T) {
	l := newLive(t)
	client := twoPages()
	s := newTestStore(t, l, client, nil)
	ctx := context.Background()

	require.NoError(t, s.Load(ctx, "42"))
	require.NoError(t, s.LoadMore(ctx))

	assert.Equal(t, []string{"1", "2", "3"}, messageIDs(s.Messages()))
	assert.False(t, s.HasMore())

	// no more pages: nothing is fetched
	require.NoError(t, s.LoadMore(ctx))
	assert.Equal(t, 2, client.callCount())
}

func TestHistoryStore_LoadMoreWhileLoadingIsNoop(t *testing.T) {
	l := newLive(t)
	client := twoPages()
	s := newTestStore(t, l, client, nil)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx, "42"))

	client.mu.Lock()
	client.started = make(chan struct{}, 1)
	client.release = make(chan struct{})
	client.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.LoadMore(ctx) }()
	<-client.started

	assert.True(t, s.Loading())
	require.NoError(t, s.LoadMore(ctx))
	assert.Equal(t, 2, client.callCount())

	close(client.release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"1", "2", "3"}, messageIDs(s.Messages()))
}

func TestHistoryStore_LiveMessagesMergeWithoutDuplicates(t *testing.T) {
	l := newLive(t)
	s := newTestStore(t, l, twoPages(), nil)
	require.NoError(t, s.Load(context.Background(), "42"))
	topic := pubsub.Topics.RoomMessages("42")

	// same id as REST: kept once
	l.publish(t, topic, pubsub.EventMessageNew, msg("3", otherID, 3))
	// older timestamp lands in place
	l.publish(t, topic, pubsub.EventMessageNew, msg("x", otherID, 0))
	// newest goes last
	l.publish(t, topic, pubsub.EventMessageNew, msg("4", otherID, 4))

	assert.Equal(t, []string{"x", "2", "3", "4"}, messageIDs(s.Messages()))
}

func TestHistoryStore_LiveDuplicateRatchetsStatus(t *testing.T) {
	l := newLive(t)
	s := newTestStore(t, l, twoPages(), nil)
	require.NoError(t, s.Load(context.Background(), "42"))
	topic := pubsub.Topics.RoomMessages("42")

	read := msg("2", viewerID, 2)
	read.Status = domain.MessageStatusRead
	l.publish(t, topic, pubsub.EventMessageNew, read)

	sent := msg("2", viewerID, 2)
	l.publish(t, topic, pubsub.EventMessageNew, sent)

	got := s.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, domain.MessageStatusRead, got[0].Status)
}

func TestHistoryStore_StatusEvents(t *testing.T) {
	l := newLive(t)
	s := newTestStore(t, l, twoPages(), nil)
	require.NoError(t, s.Load(context.Background(), "42"))
	topic := pubsub.Topics.RoomMessages("42")

	l.publish(t, topic, pubsub.EventMessageStatus, domain.StatusUpdate{RoomID: "42", MessageID: "2", Status: domain.MessageStatusDelivered})
	assert.Equal(t, domain.MessageStatusDelivered, s.Messages()[0].Status)

	// regressions are ignored
	l.publish(t, topic, pubsub.EventMessageStatus, domain.StatusUpdate{RoomID: "42", MessageID: "2", Status: domain.MessageStatusSent})
	assert.Equal(t, domain.MessageStatusDelivered, s.Messages()[0].Status)
}

func TestHistoryStore_ReadReceiptMarksViewerMessages(t *testing.T) {
	l := newLive(t)
	s := newTestStore(t, l, twoPages(), nil)
	require.NoError(t, s.Load(context.Background(), "42"))
	topic := pubsub.Topics.RoomReads("42")

	// own receipt: nothing changes
	l.publish(t, topic, pubsub.EventReceiptRead, domain.ReadReceipt{RoomID: "42", ReaderID: viewerID, ReadAt: baseTime})
	assert.Equal(t, domain.MessageStatusSent, s.Messages()[0].Status)

	l.publish(t, topic, pubsub.EventReceiptRead, domain.ReadReceipt{RoomID: "42", ReaderID: otherID, ReadAt: baseTime})
	got := s.Messages()
	assert.Equal(t, domain.MessageStatusRead, got[0].Status, "viewer's message")
	assert.Equal(t, domain.MessageStatusSent, got[1].Status, "other's message")
}

func TestHistoryStore_OnIncomingOnlyForNewForeignMessages(t *testing.T) {
	l := newLive(t)
	var incoming []string
	s := newTestStore(t, l, twoPages(), func(m domain.Message) { incoming = append(incoming, m.ID) })
	require.NoError(t, s.Load(context.Background(), "42"))
	topic := pubsub.Topics.RoomMessages("42")

	l.publish(t, topic, pubsub.EventMessageNew, msg("3", otherID, 3)) // duplicate
	l.publish(t, topic, pubsub.EventMessageNew, msg("4", viewerID, 4)) // own
	l.publish(t, topic, pubsub.EventMessageNew, msg("5", otherID, 5))

	assert.Equal(t, []string{"5"}, incoming)
}

func TestHistoryStore_IgnoresOtherRooms(t *testing.T) {
	l := newLive(t)
	s := newTestStore(t, l, twoPages(), nil)
	require.NoError(t, s.Load(context.Background(), "42"))

	stray := msg("9", otherID, 9)
	stray.RoomID = "43"
	l.publish(t, pubsub.Topics.RoomMessages("42"), pubsub.EventMessageNew, stray)

	assert.Len(t, s.Messages(), 2)
}

func TestHistoryStore_FetchFailureKeepsState(t *testing.T) {
	l := newLive(t)
	client := twoPages()
	s := newTestStore(t, l, client, nil)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx, "42"))

	client.mu.Lock()
	client.err = errors.New("backend down")
	client.mu.Unlock()

	err := s.LoadMore(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"2", "3"}, messageIDs(s.Messages()))
	assert.False(t, s.Loading())
	assert.True(t, s.HasMore())
}

func TestHistoryStore_StaleFetchDiscardedAfterClose(t *testing.T) {
	l := newLive(t)
	client := twoPages()
	client.started = make(chan struct{}, 1)
	client.release = make(chan struct{})
	s := newTestStore(t, l, client, nil)

	done := make(chan error, 1)
	go func() { done <- s.Load(context.Background(), "42") }()
	<-client.started

	s.Close()
	close(client.release)

	require.NoError(t, <-done)
	assert.Empty(t, s.Messages())
	assert.Equal(t, 0, l.registry.TopicCount())
}

func TestHistoryStore_ReloadResets(t *testing.T) {
	l := newLive(t)
	s := newTestStore(t, l, twoPages(), nil)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx, "42"))
	require.NoError(t, s.LoadMore(ctx))

	require.NoError(t, s.Load(ctx, "42"))
	assert.Equal(t, []string{"2", "3"}, messageIDs(s.Messages()))
	assert.True(t, s.HasMore())
	assert.Equal(t, 1, l.registry.ListenerCount(pubsub.Topics.RoomMessages("42")))
}

func TestHistoryStore_OnChange(t *testing.T) {
	l := newLive(t)
	s := newTestStore(t, l, twoPages(), nil)

	var mu sync.Mutex
	calls := 0
	remove := s.OnChange(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, s.Load(context.Background(), "42"))

	mu.Lock()
	afterLoad := calls
	mu.Unlock()
	assert.GreaterOrEqual(t, afterLoad, 1)

	remove()
	l.publish(t, pubsub.Topics.RoomMessages("42"), pubsub.EventMessageNew, msg("4", otherID, 4))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, afterLoad, calls)
}

func TestHistoryStore_LatestAndCloseUnsubscribes(t *testing.T) {
	l := newLive(t)
	s := newTestStore(t, l, twoPages(), nil)

	_, ok := s.Latest()
	assert.False(t, ok)

	require.NoError(t, s.Load(context.Background(), "42"))
	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, "3", latest.ID)

	s.Close()
	assert.Equal(t, 0, l.registry.TopicCount())

	// events after close are ignored
	l.publish(t, pubsub.Topics.RoomMessages("42"), pubsub.EventMessageNew, msg("4", otherID, 4))
	assert.Len(t, s.Messages(), 2)
}
