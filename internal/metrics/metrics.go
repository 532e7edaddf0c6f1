// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agent metrics
var (
	QueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_agent_queue_dropped_total",
			Help: "Events rejected because the queue was full",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_agent_queue_depth",
			Help: "Events currently waiting for the next flush",
		},
	)

	FlushesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_agent_flushes_skipped_total",
			Help: "Flush ticks skipped because a previous flush was still in flight",
		},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_agent_delivery_attempts_total",
			Help: "Individual POST attempts by outcome",
		},
		[]string{"outcome"}, // accepted, rejected, server_error, transport_error
	)

	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_agent_batches_total",
			Help: "Batches by final outcome",
		},
		[]string{"outcome"}, // delivered, rejected, dropped, skipped
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_agent_anomalies_total",
			Help: "Anomalies detected, by type",
		},
		[]string{"type"},
	)

	DetectorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_agent_detector_failures_total",
			Help: "Detector runs that errored or panicked and were skipped",
		},
		[]string{"detector"},
	)

	AlertFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_agent_alert_failures_total",
			Help: "Alert dispatches that failed, by sink",
		},
		[]string{"sink"},
	)
)

// Collector metrics
var (
	IngestRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_collector_requests_total",
			Help: "Ingest requests by result",
		},
		[]string{"result"},
	)

	EventsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_collector_events_accepted_total",
			Help: "Events contained in accepted batches",
		},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_collector_ingest_duration_seconds",
			Help:    "Time to verify and persist one batch",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)
)
