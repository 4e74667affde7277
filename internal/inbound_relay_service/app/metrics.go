package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gatewayEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inbound_relay",
			Name:      "gateway_events_total",
			Help:      "Received-SMS events consumed from the gateway event bus.",
		},
		[]string{"result"}, // acked, terminated, redelivered
	)

	listenerOutcomeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inbound_relay",
			Name:      "listener_outcomes_total",
			Help:      "Outcome of bridging a received SMS into the delivery pipeline.",
		},
		[]string{"outcome"},
	)

	deliveryOutcomeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inbound_relay",
			Name:      "delivery_outcomes_total",
			Help:      "Outcome of inbound SMS delivery attempts to the CRM.",
		},
		[]string{"outcome"}, // succeeded, retry_scheduled, failed_permanent, failed_exhausted, skipped_succeeded, skipped_terminal
	)

	crmCallDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inbound_relay",
			Name:      "crm_call_duration_seconds",
			Help:      "Duration of CRM inbound SMS calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	queueJobsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inbound_relay",
			Name:      "queue_jobs_total",
			Help:      "Delivery queue job transitions.",
		},
		[]string{"action"}, // acquired, completed, released, requeued
	)

	retentionDeletedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inbound_relay",
			Name:      "retention_deleted_total",
			Help:      "Ledger records removed by the retention sweep.",
		},
	)

	pointerCacheCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inbound_relay",
			Name:      "pointer_cache_lookups_total",
			Help:      "Conversation pointer cache lookups.",
		},
		[]string{"result"},
	)

	routingFailureCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inbound_relay",
			Name:      "routing_failures_total",
			Help:      "Recorded routing failures.",
		},
		[]string{"source", "reason"},
	)
)

// PointerCacheCounters returns the hit and miss counters for the pointer cache.
func PointerCacheCounters() (hits, misses prometheus.Counter) {
	return pointerCacheCounter.WithLabelValues("hit"), pointerCacheCounter.WithLabelValues("miss")
}
