// Package metrics holds the Prometheus instrumentation for the chat client
// and the development relay.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection Manager
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carechat_connection_state",
			Help: "Realtime connection state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_connection_transitions_total",
			Help: "Total number of realtime connection state transitions",
		},
		[]string{"state"},
	)

	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_reconnect_attempts_total",
			Help: "Total number of reconnect attempts",
		},
		[]string{"result"}, // "success", "failure"
	)

	SendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_send_errors_total",
			Help: "Total number of failed outbound sends",
		},
		[]string{"reason"}, // "not_connected", "transport"
	)

	// Topic Subscription Registry
	RegistryTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carechat_registry_topics",
			Help: "Current number of topics with at least one listener",
		},
	)

	RegistryListeners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carechat_registry_listeners",
			Help: "Current number of registered listeners across all topics",
		},
	)

	WireSubscriptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_wire_subscriptions_total",
			Help: "Total number of wire subscribe/unsubscribe operations",
		},
		[]string{"op", "result"},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_events_received_total",
			Help: "Total number of push events delivered to listeners",
		},
		[]string{"event_type"},
	)

	StaleEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carechat_stale_events_dropped_total",
			Help: "Total number of events dropped because they came from a previous connection",
		},
	)

	// Unread Aggregator
	UnreadTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carechat_unread_total",
			Help: "Current global unread message count",
		},
	)

	UnreadPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_unread_polls_total",
			Help: "Total number of unread reconciliation polls",
		},
		[]string{"result"},
	)

	// REST client
	RESTRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carechat_rest_request_duration_seconds",
			Help:    "Duration of backend REST requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "carechat_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Development relay
	RelayPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carechat_relay_peers",
			Help: "Current number of connected relay peers",
		},
	)

	RelayFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_relay_frames_total",
			Help: "Total number of frames received by the relay",
		},
		[]string{"frame_type"},
	)

	RelayPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_relay_published_total",
			Help: "Total number of events the relay published to the backend",
		},
		[]string{"event_type"},
	)

	RelayErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_relay_errors_total",
			Help: "Total number of error frames sent by the relay",
		},
		[]string{"code"},
	)
)

// RecordRESTRequest records the duration and outcome of one REST call.
// status is 0 for transport errors.
func RecordRESTRequest(method string, status int, duration time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	RESTRequestDuration.WithLabelValues(method, label).Observe(duration.Seconds())
}

// RecordConnectionState sets the state gauge and counts the transition
func RecordConnectionState(value float64, state string) {
	ConnectionState.Set(value)
	ConnectionTransitions.WithLabelValues(state).Inc()
}

// RecordWireSubscription counts a wire subscribe or unsubscribe
func RecordWireSubscription(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	WireSubscriptions.WithLabelValues(op, result).Inc()
}
