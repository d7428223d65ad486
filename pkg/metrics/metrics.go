// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WSSessionsActive tracks active websocket sessions.
	WSSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_sessions_active",
			Help: "Number of active websocket sessions",
		},
	)

	// RoomsActive tracks rooms with at least one subscriber.
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_rooms_active",
			Help: "Number of rooms with at least one subscriber",
		},
	)

	// MessagesTotal tracks messages appended to the log.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended",
		},
		[]string{"kind"},
	)

	// MessageAppendFailures tracks rejected or failed appends.
	MessageAppendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_append_failures_total",
			Help: "Total failed message appends",
		},
		[]string{"reason"},
	)

	// BroadcastFanout tracks how many sessions each broadcast reached.
	BroadcastFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcast_fanout_sessions",
			Help:    "Sessions reached per room broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	// TypingEventsTotal tracks typing indicator events relayed.
	TypingEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "typing_events_total",
			Help: "Typing indicator events relayed",
		},
		[]string{"kind"},
	)

	// RelayPublishesTotal tracks events published to the cross-instance relay.
	RelayPublishesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_publishes_total",
			Help: "Events published to the NATS relay",
		},
	)

	// RelayDeliveriesTotal tracks events received from the relay.
	RelayDeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Events received from the NATS relay",
		},
	)

	// NotifyTasksTotal tracks offline-notification tasks enqueued.
	NotifyTasksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_tasks_total",
			Help: "Offline notification tasks enqueued",
		},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"kind"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// IncrementWSSessions increments the active websocket session count.
func IncrementWSSessions() {
	WSSessionsActive.Inc()
}

// DecrementWSSessions decrements the active websocket session count.
func DecrementWSSessions() {
	WSSessionsActive.Dec()
}
