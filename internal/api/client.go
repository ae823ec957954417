// Package api is the REST collaborator of the chat client: room lookup,
// message history, unread counts and read marks.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"

	"github.com/observer/carechat/internal/domain"
	"github.com/observer/carechat/internal/metrics"
	"github.com/observer/carechat/internal/middleware"
)

const (
	DefaultTimeout           = 15 * time.Second
	DefaultRequestsPerMinute = 600

	maxResponseBytes = 4 << 20
	breakerName      = "chat-rest"
)

// Options configures a Client
type Options struct {
	BaseURL string
	// TokenSource supplies the bearer token; nil sends no Authorization header
	TokenSource       oauth2.TokenSource
	RequestsPerMinute int
	Timeout           time.Duration
	// Transport is the base round tripper; defaults to http.DefaultTransport
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Client talks to the chat REST backend
type Client struct {
	base   *url.URL
	http   *http.Client
	cb     *gobreaker.CircuitBreaker[[]byte]
	logger *slog.Logger
}

// New creates a Client for opts.BaseURL
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", opts.BaseURL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	limiter := middleware.NewRateLimiter(rpm)
	transport := middleware.Chain(opts.Transport,
		middleware.RequestID,
		middleware.Logging(logger),
		limiter.RoundTripper,
	)

	// oauth2 wraps the client from the context with its bearer transport
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: transport})
	httpClient := oauth2.NewClient(ctx, opts.TokenSource)
	httpClient.Timeout = timeout

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	c := &Client{
		base:   base,
		http:   httpClient,
		logger: logger,
	}
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return c, nil
}

// isSuccessful decides what the breaker counts as a backend failure.
// Rejections (4xx) and caller cancellations say nothing about backend health.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	return false
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	data, err := c.cb.Execute(func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{
				Method:     method,
				Path:       path,
				StatusCode: resp.StatusCode,
				Message:    errorMessage(data),
			}
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		var se *StatusError
		if errors.As(err, &se) {
			return err
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// errorMessage pulls the message out of an {"error": "..."} body
func errorMessage(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.Error != "" {
		return body.Error
	}
	return body.Message
}

// MessagePage is one page of room history, newest first
type MessagePage struct {
	Content []domain.Message `json:"content"`
	Last    bool             `json:"last"`
	Number  int              `json:"number"`
}

// ListRooms returns the rooms of the signed-in user
func (c *Client) ListRooms(ctx context.Context) ([]domain.ChatRoom, error) {
	var rooms []domain.ChatRoom
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// GetMessages returns page (0 = newest) of the room's history
func (c *Client) GetMessages(ctx context.Context, roomID string, page, size int) (*MessagePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))

	var p MessagePage
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/messages", q, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetOrCreateRoomForBooking returns the booking's room, creating it if needed
func (c *Client) GetOrCreateRoomForBooking(ctx context.Context, bookingID string) (*domain.ChatRoom, error) {
	var room domain.ChatRoom
	if err := c.do(ctx, http.MethodPost, "/rooms/booking/"+url.PathEscape(bookingID), nil, nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// GetRoomForBooking returns the booking's existing room
func (c *Client) GetRoomForBooking(ctx context.Context, bookingID string) (*domain.ChatRoom, error) {
	var room domain.ChatRoom
	if err := c.do(ctx, http.MethodGet, "/rooms/booking/"+url.PathEscape(bookingID), nil, nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// GetUnreadCount returns the user's total unread count.
// The backend answers either a bare number or {"count": n}.
func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/unread-count", nil, nil, &raw); err != nil {
		return 0, err
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var wrapped struct {
		Count       *int `json:"count"`
		UnreadCount *int `json:"unreadCount"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return 0, fmt.Errorf("decode unread count: %w", err)
	}
	switch {
	case wrapped.Count != nil:
		return *wrapped.Count, nil
	case wrapped.UnreadCount != nil:
		return *wrapped.UnreadCount, nil
	default:
		return 0, fmt.Errorf("decode unread count: no count in %s", raw)
	}
}

// MarkAsRead marks every message in the room as read for the user
func (c *Client) MarkAsRead(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPut, "/rooms/"+url.PathEscape(roomID)+"/mark-as-read", nil, nil, nil)
}
