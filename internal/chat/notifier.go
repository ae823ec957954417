package chat

import (
	"context"
	"sync"
)

// Notification describes an incoming message shown outside the room view
type Notification struct {
	SenderName string
	Content    string
	RoomID     string
	// Focus brings the room to the foreground; may be nil
	Focus func()
}

// Notifier is the desktop/OS notification collaborator
type Notifier interface {
	RequestPermission(ctx context.Context) bool
	Notify(n Notification)
}

// OncePermission asks the wrapped notifier for permission the first time it
// is needed and remembers the answer for the rest of the session
type OncePermission struct {
	next    Notifier
	once    sync.Once
	granted bool
}

func NewOncePermission(next Notifier) *OncePermission {
	return &OncePermission{next: next}
}

func (o *OncePermission) RequestPermission(ctx context.Context) bool {
	o.once.Do(func() {
		o.granted = o.next.RequestPermission(ctx)
	})
	return o.granted
}

// Notify forwards n when permission was granted
func (o *OncePermission) Notify(n Notification) {
	if !o.RequestPermission(context.Background()) {
		return
	}
	o.next.Notify(n)
}

type nopNotifier struct{}

func (nopNotifier) RequestPermission(context.Context) bool { return false }
func (nopNotifier) Notify(Notification)                    {}
