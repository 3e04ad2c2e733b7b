// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socwatch_events_ingested_total",
			Help: "Total number of events accepted for processing",
		},
		[]string{"transport"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socwatch_events_rejected_total",
			Help: "Total number of events rejected at ingestion",
		},
		[]string{"reason"},
	)

	EventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "socwatch_events_processed_total",
			Help: "Total number of events run through the pipeline",
		},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socwatch_alerts_raised_total",
			Help: "Total number of alerts raised",
		},
		[]string{"severity", "origin"},
	)

	PatchesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socwatch_patches_applied_total",
			Help: "Total number of patches recorded",
		},
		[]string{"patched_by"},
	)

	SourcesBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "socwatch_sources_blocked_total",
			Help: "Total number of source block transitions",
		},
	)

	ActiveGraceTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "socwatch_grace_timers_active",
			Help: "Grace-period timers currently armed",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "socwatch_partition_queue_depth",
			Help: "Events waiting in each partition queue",
		},
		[]string{"partition"},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "socwatch_event_processing_duration_seconds",
			Help:    "Time taken to run one event through the pipeline",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "socwatch_websocket_clients",
			Help: "Connected WebSocket stream clients",
		},
	)

	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socwatch_notifications_published_total",
			Help: "Notifications written to an external sink",
		},
		[]string{"sink", "type"},
	)

	StreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socwatch_stream_errors_total",
			Help: "Errors talking to Kafka or Redis",
		},
		[]string{"stage"},
	)
)
