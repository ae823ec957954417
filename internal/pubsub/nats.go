package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

const natsFlushTimeout = 2 * time.Second

// NATSPubSub implements PubSub on core NATS subjects.
// Client-side reconnection is disabled; a lost connection closes Done and
// the caller decides when to dial again.
type NATSPubSub struct {
	conn     *nats.Conn
	done     chan struct{}
	doneOnce sync.Once
	logger   *slog.Logger
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("nats unsubscribe: %w", err)
	}
	return nil
}

// DialNATS returns a Dialer for the NATS server at url. A non-empty token
// is used for token authentication.
func DialNATS(url string, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pubsub", "backend", "nats")

	return func(ctx context.Context, token string) (PubSub, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ps := &NATSPubSub{
			done:   make(chan struct{}),
			logger: logger,
		}

		opts := []nats.Option{
			nats.Name("carechat"),
			nats.NoReconnect(),
			nats.ClosedHandler(func(*nats.Conn) {
				ps.markDone()
			}),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", "error", err)
				}
			}),
		}
		if token != "" {
			opts = append(opts, nats.Token(token))
		}
		if deadline, ok := ctx.Deadline(); ok {
			opts = append(opts, nats.Timeout(time.Until(deadline)))
		}

		nc, err := nats.Connect(url, opts...)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		ps.conn = nc

		logger.Info("connected to NATS", "url", nc.ConnectedUrlRedacted())
		return ps, nil
	}
}

func (ps *NATSPubSub) markDone() {
	ps.doneOnce.Do(func() { close(ps.done) })
}

// Publish sends a message on the topic subject
func (ps *NATSPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	if ps.conn.IsClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := ps.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("failed to publish to nats: %w", err)
	}
	return nil
}

// Subscribe registers a handler for the topic subject. NATS delivers one
// subscription's messages sequentially, on its own goroutine.
func (ps *NATSPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if ps.conn.IsClosed() {
		return nil, ErrClosed
	}

	sub, err := ps.conn.Subscribe(topic, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			ps.logger.Error("failed to unmarshal message", "error", err, "topic", m.Subject)
			return
		}
		if msg.Topic == "" {
			msg.Topic = m.Subject
		}
		handler(context.Background(), &msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to nats subject: %w", err)
	}

	// Make sure the server has the interest before returning
	if err := ps.conn.FlushTimeout(natsFlushTimeout); err != nil {
		ps.logger.Debug("flush after subscribe failed", "topic", topic, "error", err)
	}

	ps.logger.Debug("subscribed to topic", "topic", topic)
	return &natsSubscription{sub: sub}, nil
}

// Close drains nothing; pending messages are dropped
func (ps *NATSPubSub) Close() error {
	ps.conn.Close()
	ps.markDone()
	return nil
}

// Done is closed when the NATS connection is closed for any reason
func (ps *NATSPubSub) Done() <-chan struct{} {
	return ps.done
}
