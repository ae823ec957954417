// Command chatctl is a terminal chat client. It opens the room of one
// booking, prints history and live messages, and sends every line typed.
//
// Commands: /more loads older messages, /unread prints unread counts,
// /away and /back toggle notifications, /quit leaves.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/observer/carechat/internal/api"
	"github.com/observer/carechat/internal/auth"
	"github.com/observer/carechat/internal/chat"
	"github.com/observer/carechat/internal/config"
	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/pubsub"
	"github.com/observer/carechat/internal/realtime"
	"github.com/observer/carechat/internal/server"
	"github.com/observer/carechat/internal/websocket"
)

func main() {
	bookingID := flag.String("booking", "", "booking whose chat room to open (required)")
	token := flag.String("token", "", "bearer token (default: client.token from config)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *token == "" {
		*token = cfg.Client.Token
	}
	if *bookingID == "" || *token == "" {
		flag.Usage()
		os.Exit(2)
	}

	// The terminal belongs to the conversation; logs go to stderr
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *bookingID, *token, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("chatctl failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, bookingID, token string, logger *slog.Logger) error {
	source := auth.StaticSource(token)

	client, err := api.New(api.Options{
		BaseURL:           cfg.Client.APIBaseURL,
		TokenSource:       source.OAuth2(),
		RequestsPerMinute: cfg.Client.RequestsPerMinute,
		Timeout:           cfg.Client.RequestTimeout,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	if cfg.Client.MetricsAddr != "" {
		serveMetrics(ctx, cfg.Client.MetricsAddr, logger)
	}

	out := &printer{w: os.Stdout}
	session := chat.NewSession(chat.Options{
		Dial:           dialer(cfg, logger),
		Client:         client,
		Notifier:       chat.NewOncePermission(terminalNotifier{out: out}),
		PageSize:       cfg.Client.PageSize,
		TypingTimeout:  cfg.Client.TypingTimeout,
		PollInterval:   cfg.Client.PollInterval,
		InitialBackoff: cfg.Client.InitialBackoff,
		MaxBackoff:     cfg.Client.MaxBackoff,
		Logger:         logger,
	})
	defer session.Stop()

	removeState := session.Manager().OnConnectionChange(func(s realtime.State) {
		out.printf("-- %s\n", s)
	})
	defer removeState()

	status := auth.NewStatus(true)
	unbind := session.Bind(ctx, status, source)
	defer unbind()

	view, err := session.OpenRoom(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("open room for booking %s: %w", bookingID, err)
	}
	defer view.Close()

	if p, ok := view.Counterpart(); ok {
		out.printf("-- chatting with %s (%s)\n", p.Name, p.Role)
		h := session.Presence().SubscribeToPresence(p.UserID, func(online bool) {
			state := "offline"
			if online {
				state = "online"
			}
			out.printf("-- %s is %s\n", p.Name, state)
		})
		defer h.Unsubscribe()
	} else {
		out.printf("-- room for booking %s is not created yet; it will be on your first message\n", bookingID)
	}

	feed := &tail{view: view, out: out, self: func() string { return session.Manager().Credential().UserID }}
	feed.flush()
	defer view.OnChange(feed.flush)()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, session, view, feed, out, line); quit {
				return nil
			}
		}
	}
}

func dialer(cfg *config.Config, logger *slog.Logger) pubsub.Dialer {
	switch cfg.Client.Transport {
	case "redis":
		return pubsub.DialRedis(cfg.Redis.URL, logger)
	case "nats":
		return pubsub.DialNATS(cfg.NATS.URL, logger)
	default:
		return websocket.Dialer(cfg.Client.WSURL, logger)
	}
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	sup := suture.New("chatctl", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logger}).MustHook(),
	})
	sup.Add(server.NewService(&http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, 5*time.Second))
	sup.ServeBackground(ctx)
}

func handleLine(ctx context.Context, session *chat.Session, view *chat.RoomView, t *tail, out *printer, line string) bool {
	switch strings.TrimSpace(line) {
	case "":
		return false
	case "/quit":
		return true
	case "/more":
		if err := view.LoadMore(ctx); err != nil {
			out.printf("-- could not load older messages: %v\n", err)
		}
		t.reprint()
		return false
	case "/unread":
		snap := session.Unread().Snapshot()
		out.printf("-- %d unread\n", snap.Total)
		for room, n := range snap.PerRoom {
			if n > 0 {
				out.printf("--   %s: %d\n", room, n)
			}
		}
		return false
	case "/away":
		view.SetForeground(false)
		return false
	case "/back":
		view.SetForeground(true)
		return false
	}

	view.Keystroke(ctx)
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	switch err := view.Send(sendCtx, line); {
	case errors.Is(err, domain.ErrNotConnected):
		out.printf("-- not connected, message not sent\n")
	case errors.Is(err, domain.ErrChatUnavailable):
		out.printf("-- chat unavailable for this booking, try again later\n")
	case err != nil:
		out.printf("-- send failed: %v\n", err)
	}
	return false
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

// printer serializes writes from delivery goroutines and the input loop
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

// tail prints messages of the view that were not printed yet
type tail struct {
	view *chat.RoomView
	out  *printer
	self func() string

	mu      sync.Mutex
	printed map[string]bool
	typing  bool
}

func (t *tail) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.printed == nil {
		t.printed = make(map[string]bool)
	}
	for _, m := range t.view.Messages() {
		if t.printed[m.ID] {
			continue
		}
		t.printed[m.ID] = true
		t.out.printf("%s\n", t.format(m))
	}

	t.typing = t.showTyping(t.view.TypingUsers())
}

// showTyping announces the start of remote typing and returns whether
// anyone is typing. users is read once, the indicator can expire any time.
func (t *tail) showTyping(users []domain.TypingSignal) bool {
	if len(users) == 0 {
		return false
	}
	if !t.typing {
		t.out.printf("-- %s is typing...\n", users[0].UserName)
	}
	return true
}

// reprint shows the whole history again, e.g. after older pages arrived
func (t *tail) reprint() {
	t.mu.Lock()
	t.printed = nil
	t.mu.Unlock()
	t.out.printf("-- history --\n")
	t.flush()
}

func (t *tail) format(m domain.Message) string {
	who := m.SenderName
	if who == "" {
		who = m.SenderID
	}
	mark := ""
	if m.IsFrom(t.self()) {
		who = "me"
		mark = " [" + strings.ToLower(string(m.Status)) + "]"
	}
	return fmt.Sprintf("%s %s: %s%s", m.CreatedAt.Local().Format("15:04"), who, m.Content, mark)
}

type terminalNotifier struct {
	out *printer
}

func (n terminalNotifier) RequestPermission(context.Context) bool { return true }

func (n terminalNotifier) Notify(note chat.Notification) {
	n.out.printf("** new message from %s: %s\n", note.SenderName, note.Content)
}
