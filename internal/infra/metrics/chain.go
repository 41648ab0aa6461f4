package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		stageRunsTotal,
		stageDurationMs,
		transitionsTotal,
		chainsSubmittedTotal,
		queueDeliveriesTotal,
		ingestDocumentsTotal,
		callbacksTotal,
		staleReapedTotal,
		cacheRequestsTotal,
	)
}

var (
	stageRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_runs_total",
			Help: "Stage executions by stage and final status.",
		},
		[]string{"stage", "status"}, // 'completed', 'failed', 'skipped'
	)

	stageDurationMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stage_duration_ms",
			Help:    "Stage execution time in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(50, 2, 14),
		},
		[]string{"stage"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transaction_transitions_total",
			Help: "Status updates by target status and whether they were applied.",
		},
		[]string{"status", "applied"},
	)

	chainsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chains_submitted_total",
			Help: "Submitted requests by outcome.",
		},
		[]string{"outcome"}, // 'accepted', 'invalid', 'routing', 'error'
	)

	queueDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_deliveries_total",
			Help: "Queue deliveries by outcome.",
		},
		[]string{"outcome"}, // 'ack', 'nack', 'dead_letter'
	)

	ingestDocumentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_documents_total",
			Help: "Documents seen by ingestion by outcome.",
		},
		[]string{"outcome"}, // 'processed', 'failed'
	)

	callbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbacks_total",
			Help: "Callback deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	staleReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_transactions_reaped_total",
			Help: "Non-terminal transactions failed by the reaper.",
		},
	)

	cacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Tracks cache hits and misses for various caches.",
		},
		[]string{"cache", "result"},
	)
)

func ObserveStage(stage, status string, durationMs int64) {
	stageRunsTotal.WithLabelValues(norm(stage), norm(status)).Inc()
	stageDurationMs.WithLabelValues(norm(stage)).Observe(float64(durationMs))
}

func IncTransition(status string, applied bool) {
	transitionsTotal.WithLabelValues(norm(status), strconv.FormatBool(applied)).Inc()
}

func IncChainSubmitted(outcome string) {
	chainsSubmittedTotal.WithLabelValues(norm(outcome)).Inc()
}

func IncDelivery(outcome string) {
	queueDeliveriesTotal.WithLabelValues(norm(outcome)).Inc()
}

func AddIngestDocuments(outcome string, n int) {
	ingestDocumentsTotal.WithLabelValues(norm(outcome)).Add(float64(n))
}

func IncCallback(outcome string) {
	callbacksTotal.WithLabelValues(norm(outcome)).Inc()
}

func AddStaleReaped(n int) {
	staleReapedTotal.Add(float64(n))
}

func IncCacheRequest(cacheName, result string) {
	cacheRequestsTotal.WithLabelValues(norm(cacheName), norm(result)).Inc()
}
