package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/pubsub"
)

// PresenceTracker subscribes to a user's presence topic on demand.
// It keeps no state of its own.
type PresenceTracker struct {
	reg    *Registry
	logger *slog.Logger
}

func NewPresenceTracker(reg *Registry, logger *slog.Logger) *PresenceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceTracker{reg: reg, logger: logger.With("component", "presence")}
}

// SubscribeToPresence calls cb with userID's online status whenever it is
// pushed, until the handle is unsubscribed
func (p *PresenceTracker) SubscribeToPresence(userID string, cb func(online bool)) *Handle {
	if cb == nil {
		return p.reg.Subscribe(pubsub.Topics.Presence(userID), nil)
	}
	return p.reg.Subscribe(pubsub.Topics.Presence(userID), func(ctx context.Context, msg *pubsub.Message) {
		if msg.Type != pubsub.EventPresence {
			return
		}
		var ev domain.PresenceEvent
		if err := msg.Decode(&ev); err != nil {
			p.logger.Warn("malformed presence event", "user_id", userID, "error", err)
			return
		}
		if ev.UserID != "" && ev.UserID != userID {
			return
		}
		cb(ev.Online)
	})
}

// PresenceWatch holds the last known status of one user while subscribed
type PresenceWatch struct {
	mu     sync.RWMutex
	online bool
	handle *Handle
}

// Watch starts tracking userID; Close releases the subscription and the state
func (p *PresenceTracker) Watch(userID string) *PresenceWatch {
	w := &PresenceWatch{}
	w.handle = p.SubscribeToPresence(userID, func(online bool) {
		w.mu.Lock()
		w.online = online
		w.mu.Unlock()
	})
	return w
}

// Online reports the last pushed status; false until one arrives
func (w *PresenceWatch) Online() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.online
}

func (w *PresenceWatch) Close() {
	w.handle.Unsubscribe()
	w.mu.Lock()
	w.online = false
	w.mu.Unlock()
}
