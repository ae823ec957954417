// Package chat builds the chat features on top of the shared realtime
// connection: room history, typing, read marks, unread counts and room
// resolution.
package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/observer/carechat/internal/auth"
	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/pubsub"
	"github.com/observer/carechat/internal/realtime"
)

const servicesStopTimeout = 5 * time.Second

// Client is the REST collaborator; *api.Client implements it
type Client interface {
	HistoryAPI
	RoomAPI
	UnreadAPI
	ReadAPI
}

// Options configures a Session
type Options struct {
	Dial     pubsub.Dialer
	Client   Client
	Notifier Notifier

	PageSize       int
	TypingTimeout  time.Duration
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger *slog.Logger
}

// Session is everything one signed-in user needs: the connection, the
// subscription registry and the chat services built on it
type Session struct {
	manager  *realtime.Manager
	registry *realtime.Registry
	presence *realtime.PresenceTracker
	client   Client
	unread   *UnreadAggregator
	reads    *ReadMarker
	rooms    *RoomResolver
	notifier Notifier

	pageSize      int
	typingTimeout time.Duration
	logger        *slog.Logger

	mu           sync.Mutex
	views        map[*RoomView]struct{}
	stopServices context.CancelFunc
	servicesDone <-chan error
}

func NewSession(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	manager := realtime.NewManager(realtime.Options{
		Dial:           opts.Dial,
		Logger:         logger,
		InitialBackoff: opts.InitialBackoff,
		MaxBackoff:     opts.MaxBackoff,
	})
	registry := realtime.NewRegistry(manager, logger)

	s := &Session{
		manager:       manager,
		registry:      registry,
		presence:      realtime.NewPresenceTracker(registry, logger),
		client:        opts.Client,
		rooms:         NewRoomResolver(opts.Client, logger),
		notifier:      opts.Notifier,
		pageSize:      opts.PageSize,
		typingTimeout: opts.TypingTimeout,
		logger:        logger.With("component", "session"),
		views:         make(map[*RoomView]struct{}),
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	s.unread = NewUnreadAggregator(opts.Client, registry, func() string { return s.viewer().UserID }, opts.PollInterval, logger)
	s.reads = NewReadMarker(opts.Client, manager, s.unread, s.viewer, logger)
	return s
}

func (s *Session) Manager() *realtime.Manager          { return s.manager }
func (s *Session) Registry() *realtime.Registry        { return s.registry }
func (s *Session) Presence() *realtime.PresenceTracker { return s.presence }
func (s *Session) Unread() *UnreadAggregator           { return s.unread }
func (s *Session) Rooms() *RoomResolver                { return s.rooms }

func (s *Session) viewer() domain.Viewer {
	cred := s.manager.Credential()
	return domain.Viewer{UserID: cred.UserID, Name: cred.Username}
}

// Start connects with cred and starts the background services. When the
// first connection attempt fails its error is returned, but reconnection
// and the services keep running until Stop.
func (s *Session) Start(ctx context.Context, cred auth.Credential) error {
	err := s.manager.Connect(ctx, cred)
	if err != nil && !s.manager.Reconnecting() {
		return err
	}
	s.unread.Resubscribe()
	s.startServices()
	return err
}

func (s *Session) startServices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopServices != nil {
		return
	}

	hook := (&sutureslog.Handler{Logger: s.logger}).MustHook()
	sup := suture.New("chat-session", suture.Spec{
		EventHook: hook,
		Timeout:   servicesStopTimeout,
	})
	sup.Add(s.unread)

	ctx, cancel := context.WithCancel(context.Background())
	s.stopServices = cancel
	s.servicesDone = sup.ServeBackground(ctx)
}

// Stop closes every room view, disconnects and stops the background services
func (s *Session) Stop() {
	s.mu.Lock()
	views := make([]*RoomView, 0, len(s.views))
	for v := range s.views {
		views = append(views, v)
	}
	cancel := s.stopServices
	done := s.servicesDone
	s.stopServices = nil
	s.servicesDone = nil
	s.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	s.manager.Disconnect()
	// the next Start may be a different viewer
	s.rooms.Reset()
	s.reads.Reset()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(servicesStopTimeout):
			s.logger.Warn("background services did not stop in time")
		}
	}
}

// Bind follows the authentication collaborator: becoming authenticated
// connects with a fresh credential from source, becoming unauthenticated
// stops the session. The returned function unbinds.
func (s *Session) Bind(ctx context.Context, status *auth.Status, source auth.Source) func() {
	apply := func(authenticated bool) {
		if !authenticated {
			s.logger.Info("signed out, stopping session")
			s.Stop()
			return
		}
		cred, err := source.Credential(ctx)
		if err != nil {
			s.logger.Warn("no credential for session", "error", err)
			return
		}
		if err := s.Start(ctx, cred); err != nil {
			s.logger.Warn("session start failed", "error", err)
		}
	}

	unsubscribe := status.Subscribe(apply)
	if status.Authenticated() {
		apply(true)
	}
	return unsubscribe
}

// OpenRoom resolves bookingID and opens a view on its room. A room that
// could not be created yet opens as pending; history that fails to load
// is logged and can be retried with Reload.
func (s *Session) OpenRoom(ctx context.Context, bookingID string) (*RoomView, error) {
	ref, err := s.rooms.Resolve(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	v := newRoomView(s, ref)
	s.mu.Lock()
	s.views[v] = struct{}{}
	s.mu.Unlock()

	if room, ok := ref.(domain.RealRoom); ok {
		if err := v.attach(ctx, room); err != nil {
			s.logger.Warn("room history unavailable", "room_id", room.ID(), "error", err)
		}
	}
	return v, nil
}

func (s *Session) forget(v *RoomView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, v)
}

// OpenRooms returns the number of open room views
func (s *Session) OpenRooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}
