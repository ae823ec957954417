// Command chatrelay is a development push relay. It speaks the chat wire
// protocol on /ws, serves the in-memory REST backend under /api/ and
// exposes /healthz, /readyz and /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
	"golang.org/x/time/rate"

	"github.com/observer/carechat/internal/api"
	"github.com/observer/carechat/internal/auth"
	"github.com/observer/carechat/internal/config"
	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/pubsub"
	"github.com/observer/carechat/internal/server"
	"github.com/observer/carechat/internal/websocket"
)

func main() {
	var (
		mint     = flag.String("mint", "", "print an access token for user[:name] and exit")
		bookings []string
	)
	flag.Func("booking", "register a booking as id=customer,caregiver (repeatable)", func(v string) error {
		bookings = append(bookings, v)
		return nil
	})
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Structured logging from the start
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	tokens, err := auth.NewTokenService(cfg.Relay.SigningKey)
	if err != nil {
		logger.Error("failed to create token service", "error", err)
		os.Exit(1)
	}
	tokens = tokens.WithTTL(cfg.Relay.TokenTTL)
	if cfg.Relay.SigningKey == config.DevSigningKey {
		logger.Warn("using default signing key - DO NOT USE IN PRODUCTION")
	}

	if *mint != "" {
		userID, name, _ := strings.Cut(*mint, ":")
		if name == "" {
			name = userID
		}
		token, expires, err := tokens.GenerateAccessToken(userID, name)
		if err != nil {
			logger.Error("failed to mint token", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open pubsub backend", "backend", cfg.Relay.Backend, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	rest := api.NewBackend(logger)
	for _, b := range bookings {
		id, participants, err := parseBooking(b)
		if err != nil {
			logger.Error("invalid -booking", "value", b, "error", err)
			os.Exit(1)
		}
		rest.AddBooking(id, participants...)
		logger.Info("booking registered", "booking_id", id)
	}

	hub := websocket.NewHub(backend, tokens, logger,
		websocket.WithMessageStore(rest),
		websocket.WithPublishLimit(rate.Limit(cfg.Relay.PublishRate), cfg.Relay.PublishBurst),
	)

	ready := func() error {
		select {
		case <-backend.Done():
			return pubsub.ErrClosed
		default:
			return nil
		}
	}
	srv := server.New(cfg, &server.Dependencies{
		WSHandler: websocket.NewHandler(hub, logger),
		REST:      rest.Handler(tokens),
		Ready:     ready,
		Logger:    logger,
	})

	sup := suture.New("chatrelay", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logger}).MustHook(),
		Timeout:   15 * time.Second,
	})
	sup.Add(hub)
	sup.Add(server.NewService(srv, 10*time.Second))

	logger.Info("starting relay", "addr", cfg.Relay.Addr, "backend", cfg.Relay.Backend)
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pubsub.PubSub, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cfg.Relay.Backend {
	case "redis":
		ps, err := pubsub.NewRedisPubSub(dialCtx, cfg.Redis.URL, logger)
		if err != nil {
			return nil, err
		}
		return ps, nil
	case "nats":
		return pubsub.DialNATS(cfg.NATS.URL, logger)(dialCtx, "")
	default:
		return pubsub.NewMemoryPubSub(), nil
	}
}

// parseBooking reads id=customer,caregiver
func parseBooking(v string) (string, []domain.Participant, error) {
	id, users, ok := strings.Cut(v, "=")
	if !ok || id == "" {
		return "", nil, errors.New("want id=customer,caregiver")
	}
	ids := strings.Split(users, ",")
	if len(ids) != 2 || ids[0] == "" || ids[1] == "" {
		return "", nil, errors.New("want exactly two participants")
	}
	return id, []domain.Participant{
		{UserID: ids[0], Name: ids[0], Role: domain.RoleCustomer},
		{UserID: ids[1], Name: ids[1], Role: domain.RoleCaregiver},
	}, nil
}
