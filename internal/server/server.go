package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/observer/carechat/internal/config"
	"github.com/observer/carechat/internal/websocket"
)

// Dependencies holds everything the relay serves
type Dependencies struct {
	WSHandler *websocket.Handler
	// REST is mounted under /api/
	REST http.Handler
	// Ready reports whether the pubsub backend is usable
	Ready  func() error
	Logger *slog.Logger
}

// New creates the relay's HTTP server with all routes configured
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	return &http.Server{
		Addr:        cfg.Relay.Addr,
		Handler:     Handler(cfg, deps),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would cut long-lived WebSocket connections
		IdleTimeout: 60 * time.Second,
	}
}

// Handler returns the routes wrapped in middleware; tests serve it with httptest
func Handler(cfg *config.Config, deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	registerRoutes(mux, deps)

	return chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	// Health check - essential for docker, k8s, load balancers
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, `{"status":"ok"}`)
	})

	// Ready check - verifies the pubsub backend
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			if err := deps.Ready(); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, `{"status":"not ready","error":"pubsub backend unavailable"}`)
				return
			}
		}
		writeStatus(w, http.StatusOK, `{"status":"ready"}`)
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /ws", deps.WSHandler)

	if deps.REST != nil {
		mux.Handle("/api/", http.StripPrefix("/api", deps.REST))
	}
}

func writeStatus(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
