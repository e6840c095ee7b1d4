package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "journey_service",
		Subsystem: "worker",
		Name:      "batch_duration_seconds",
		Help:      "Wall-clock duration of one stitching cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	eventsProcessedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "journey_service",
		Subsystem: "worker",
		Name:      "events_processed_total",
		Help:      "Number of events attached to a journey and marked processed.",
	})

	lastBatchGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "journey_service",
		Subsystem: "worker",
		Name:      "last_batch_timestamp_seconds",
		Help:      "Unix timestamp of the most recent batch that processed events.",
	})
)

func init() {
	prometheus.MustRegister(batchDuration, eventsProcessedCounter, lastBatchGauge)
}

func recordBatchCompleted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastBatchGauge.Set(float64(ts.Unix()))
}
