// Package metrics provides Prometheus metrics for casewatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "casewatch"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

// Ingestion and processing metrics
var (
	// AlertsIngestedTotal counts webhook alerts by result (accepted, duplicate)
	AlertsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "alerts_total",
			Help:      "Total webhook alerts ingested",
		},
		[]string{"result"},
	)

	// WebhooksRejectedTotal counts malformed webhook bodies
	WebhooksRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rejected_total",
			Help:      "Total webhook requests rejected as malformed",
		},
	)

	// OccurrencesProcessedTotal counts processing outcomes
	// (created, linked, suppressed, requeued, failed, dead)
	OccurrencesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "occurrences_total",
			Help:      "Total alert occurrences processed by outcome",
		},
		[]string{"outcome"},
	)

	CasesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cases",
			Name:      "created_total",
			Help:      "Total cases created by priority",
		},
		[]string{"priority"},
	)

	SLABreachesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cases",
			Name:      "sla_breaches_total",
			Help:      "Total SLA breaches detected",
		},
	)
)

// Notification metrics
var (
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total case events published from the outbox",
		},
		[]string{"type", "result"},
	)

	NotificationsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "created_total",
			Help:      "Total notifications queued by channel",
		},
		[]string{"channel"},
	)

	// RecipientsSkippedTotal counts recipients dropped during dispatch
	RecipientsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "recipients_skipped_total",
			Help:      "Total recipients skipped because they could not be resolved",
		},
		[]string{"reason"},
	)

	// DeliveryAttemptsTotal counts send attempts by channel and result (sent, retry, failed, skipped)
	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Total notification send attempts",
		},
		[]string{"channel", "result"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Channel adapter send latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	AcksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "acks_total",
			Help:      "Total provider receipts by type and result",
		},
		[]string{"type", "result"},
	)
)

// Host metrics
var (
	HostCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "cpu_percent",
			Help:      "Host CPU usage percentage",
		},
	)

	HostMemoryPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "memory_percent",
			Help:      "Host memory usage percentage",
		},
	)
)
