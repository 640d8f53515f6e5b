package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "fieldops_sync_"

var (
	handshakeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "handshakes_total",
			Help: "Device handshakes by result",
		},
		[]string{"result"},
	)

	ingestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "ingest_events_total",
			Help: "Ingested client events by result",
		},
		[]string{"result"},
	)

	queueItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "queue_items_total",
			Help: "Finalized sync queue items by outcome",
		},
		[]string{"outcome"},
	)

	applyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    metricPrefix + "apply_duration_seconds",
			Help:    "Time spent applying one queue item",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(handshakeTotal, ingestTotal, queueItemsTotal, applyDuration)
}

// CountHandshake records a handshake outcome: ok or rejected.
func CountHandshake(result string) {
	handshakeTotal.WithLabelValues(result).Inc()
}

// CountIngest records an intake outcome: accepted, duplicate, rejected or error.
func CountIngest(result string) {
	ingestTotal.WithLabelValues(result).Inc()
}

// CountQueueItem records a finalized queue item outcome: completed, retry or failed.
func CountQueueItem(outcome string) {
	queueItemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveApply records how long one applier call took.
func ObserveApply(d time.Duration) {
	applyDuration.Observe(d.Seconds())
}

// RegisterBacklogGauge exposes the queue backlog through a gauge that pulls
// the count on scrape.
func RegisterBacklogGauge(count func() float64) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "queue_backlog",
			Help: "Queue items awaiting processing",
		},
		count,
	))
}
