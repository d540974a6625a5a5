package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts provider notifications by event and outcome.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qwork",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total billing provider notifications by event and outcome.",
	}, []string{"event", "outcome"})

	// WebhookDuration tracks notification processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qwork",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Billing provider notification processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event"})

	// BatchesSettledTotal counts batches flipped to paid by reconciliation.
	BatchesSettledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qwork",
		Subsystem: "billing",
		Name:      "batches_settled_total",
		Help:      "Total evaluation batches marked paid by reconciliation.",
	})

	// ActivationsTotal counts activation module calls by action and outcome.
	ActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qwork",
		Subsystem: "entitlements",
		Name:      "activations_total",
		Help:      "Subscriber activation and deactivation calls by outcome.",
	}, []string{"action", "outcome"})

	// JobsProcessedTotal counts follow-up jobs by type and result.
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qwork",
		Subsystem: "jobqueue",
		Name:      "jobs_processed_total",
		Help:      "Background follow-up jobs processed by type and result.",
	}, []string{"type", "result"})
)
