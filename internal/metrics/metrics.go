package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "care_relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Hub metrics
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "care_relay_active_connections",
			Help: "Registered relay connections",
		},
		[]string{"role"},
	)

	PresenceEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_relay_presence_events_total",
			Help: "Presence transitions handled by the hub",
		},
		[]string{"kind"},
	)

	RelayOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_relay_relay_outcomes_total",
			Help: "Relay attempts by outcome",
		},
		[]string{"outcome"},
	)

	TransportFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "care_relay_transport_failures_total",
			Help: "Outbound frames that could not be written to a peer",
		},
	)

	// Session metrics
	SessionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_relay_session_rejections_total",
			Help: "Requests refused because the caller could not be identified",
		},
		[]string{"reason"},
	)

	// SessionDuration covers a websocket session from registration to close.
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "care_relay_session_duration_seconds",
			Help:    "Relay websocket session lifetime",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1s .. ~4.5h
		},
		[]string{"role"},
	)

	DecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "care_relay_decode_failures_total",
			Help: "Inbound frames answered with a rejection frame",
		},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_relay_persistence_failures_total",
			Help: "Inbound messages dropped because they could not be recorded",
		},
		[]string{"stage"}, // "lookup" or "append"
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "care_relay_store_latency_seconds",
			Help:    "Conversation store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1},
		},
		[]string{"operation"},
	)
)
