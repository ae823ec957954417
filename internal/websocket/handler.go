package websocket

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/observer/carechat/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: true,
	// The relay is a development server; any origin may connect
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket upgrade requests
type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewHandler creates a WebSocket handler
func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:    hub,
		logger: logger.With("component", "relay"),
	}
}

// ServeHTTP upgrades HTTP to WebSocket and handles the connection.
// A bearer token in the Authorization header authenticates the peer
// during the upgrade; otherwise the peer must send an auth frame.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var claims *auth.Claims
	if token, ok := auth.BearerToken(r); ok {
		c, err := h.hub.tokens.ValidateAccessToken(token)
		if err != nil {
			h.logger.Debug("rejecting websocket upgrade", "error", err)
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		claims = c
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn, h.logger)
	h.hub.Register(client)

	// The request context gets cancelled when ServeHTTP returns after upgrade
	ctx, cancel := context.WithCancel(context.Background())
	client.SetCancelFunc(cancel)
	defer cancel()

	go client.WritePump(ctx)

	if claims != nil {
		h.hub.Authenticate(ctx, client, claims)
	}

	client.ReadPump(ctx) // Block here until client disconnects
}
