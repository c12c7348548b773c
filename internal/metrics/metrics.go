// Package metrics provides Prometheus metrics for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerLabels defines common labels for per-server metrics
var ServerLabels = []string{"server"}

// Pipeline metrics
var (
	// QueueDepth tracks the number of events waiting for dispatch
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "overseer_event_queue_depth",
		Help: "Number of events waiting in the dispatch queue",
	})

	// EventsEnqueued counts events accepted by the queue
	EventsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overseer_events_enqueued_total",
		Help: "Total number of events enqueued",
	}, []string{"kind"})

	// EventsDispatched counts events whose handlers have all run
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overseer_events_dispatched_total",
		Help: "Total number of events dispatched to handlers",
	}, []string{"kind"})

	// HandlerFailures counts handler errors and timeouts
	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overseer_handler_failures_total",
		Help: "Total number of failed handler invocations",
	}, []string{"handler", "reason"})

	// HandlerDuration tracks handler latency
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "overseer_handler_duration_seconds",
			Help:    "Handler invocation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"handler"},
	)
)

// Server metrics
var (
	// InstanceState tracks the state of each server instance
	// (0=uninitialized, 1=connecting, 2=active, 3=degraded, 4=stopped)
	InstanceState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "overseer_instance_state",
		Help: "Current state of the server instance",
	}, ServerLabels)

	// RosterSize tracks the number of players known to be connected
	RosterSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "overseer_roster_size",
		Help: "Number of players in the cached roster",
	}, ServerLabels)

	// RCONRequests counts remote console requests by result
	RCONRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overseer_rcon_requests_total",
		Help: "Total number of RCON requests",
	}, append(ServerLabels, "result"))

	// LogLines counts raw log lines read per server
	LogLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overseer_log_lines_total",
		Help: "Total number of log lines read",
	}, ServerLabels)
)
