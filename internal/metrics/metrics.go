// Package metrics provides Prometheus metrics for cowork.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "cowork"
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks concurrent HTTP requests.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// Room metrics
var (
	// RoomPeersActive tracks peers subscribed to any room.
	RoomPeersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "peers_active",
			Help:      "Number of live peers across all rooms",
		},
	)

	// RoomJoinsTotal counts join attempts by result.
	RoomJoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "joins_total",
			Help:      "Total room join attempts",
		},
		[]string{"result"},
	)

	// RoomEventsDelivered counts events queued to peers.
	RoomEventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "events_delivered_total",
			Help:      "Total events queued for delivery to peers",
		},
		[]string{"event"},
	)

	// RoomEventsDropped counts events missed by peers with a full buffer.
	RoomEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "events_dropped_total",
			Help:      "Total events dropped because a peer buffer was full",
		},
		[]string{"event"},
	)
)

// Bus metrics
var (
	// MessagesPersisted counts appended chat messages by sender kind.
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_persisted_total",
			Help:      "Total chat messages appended to project logs",
		},
		[]string{"sender"},
	)

	// FileTreeWrites counts file tree writes by source.
	FileTreeWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "file_tree_writes_total",
			Help:      "Total file tree writes",
		},
		[]string{"source"},
	)

	// RelayEventsTotal counts events crossing the relay by direction.
	RelayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Total events published to or received from the relay",
		},
		[]string{"direction"},
	)
)

// Assistant metrics
var (
	// AssistantJobsTotal counts pipeline jobs by final state.
	AssistantJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "jobs_total",
			Help:      "Total assistant jobs by final state",
		},
		[]string{"state"},
	)

	// AssistantJobsInFlight tracks jobs awaiting generation or applying.
	AssistantJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "jobs_in_flight",
			Help:      "Number of assistant jobs not yet finished",
		},
	)

	// AssistantGenerationDuration tracks generator latency.
	AssistantGenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "generation_duration_seconds",
			Help:      "Latency of generation calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)

// Info metric
var (
	// BuildInfo exposes build information.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
