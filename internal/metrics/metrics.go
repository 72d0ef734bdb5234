package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream metrics
	StreamStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_stream_state_transitions_total",
			Help: "Stream connection state transitions",
		},
		[]string{"state"},
	)

	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_stream_reconnects_total",
			Help: "Reconnect attempts after a transport error",
		},
	)

	StreamPermanentFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_stream_permanent_failures_total",
			Help: "Connections that exhausted their reconnect policy",
		},
	)

	OpenStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_open_streams",
			Help: "Stream connections currently owned by a session or fanout",
		},
	)

	// Event metrics
	EventsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_events_received_total",
			Help: "Message events delivered by stream connections",
		},
	)

	EventsMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_events_malformed_total",
			Help: "Pushed payloads that were not a valid message",
		},
	)

	DuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_duplicates_dropped_total",
			Help: "Messages ignored because their id was already stored",
		},
	)

	SelfEchoSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_self_echo_skipped_total",
			Help: "Own messages skipped on echo",
		},
	)

	// Operation metrics
	Sends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Send attempts by result",
		},
		[]string{"result"}, // "ok", "error", "suppressed"
	)

	ListRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_list_refreshes_total",
			Help: "Room list refreshes by result",
		},
		[]string{"result"},
	)

	ListRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_list_refresh_duration_seconds",
			Help:    "Duration of a full room list refresh",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_api_request_duration_seconds",
			Help:    "Backend request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op", "status"},
	)
)
