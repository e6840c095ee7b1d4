package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventStitchedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "journey_service",
		Subsystem: "persistence",
		Name:      "last_event_stitched_timestamp_seconds",
		Help:      "Unix timestamp of the most recent event attached to a journey.",
	})
	journeyCreatedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "journey_service",
		Subsystem: "persistence",
		Name:      "last_journey_created_timestamp_seconds",
		Help:      "Unix timestamp of the most recent journey creation.",
	})
)

func init() {
	prometheus.MustRegister(eventStitchedGauge, journeyCreatedGauge)
}

// RecordEventStitched updates the stitching watermark gauge.
func RecordEventStitched(ts time.Time) {
	if ts.IsZero() {
		return
	}
	eventStitchedGauge.Set(float64(ts.Unix()))
}

// RecordJourneyCreated updates the journey creation watermark gauge.
func RecordJourneyCreated(ts time.Time) {
	if ts.IsZero() {
		return
	}
	journeyCreatedGauge.Set(float64(ts.Unix()))
}
