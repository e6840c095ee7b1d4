package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ingestedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "journey_service",
		Subsystem: "ingest",
		Name:      "events_ingested_total",
		Help:      "Number of events appended to the event store per topic.",
	}, []string{"topic"})

	rejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "journey_service",
		Subsystem: "ingest",
		Name:      "records_rejected_total",
		Help:      "Number of records dead-lettered during ingestion per topic.",
	}, []string{"topic"})

	handlerErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "journey_service",
		Subsystem: "ingest",
		Name:      "handler_errors_total",
		Help:      "Number of event store append failures per topic.",
	}, []string{"topic"})

	lastEventGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "journey_service",
		Subsystem: "ingest",
		Name:      "last_event_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successfully ingested event per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(ingestedCounter, rejectedCounter, handlerErrorCounter, lastEventGauge)
}

func recordIngested(topic string, ts time.Time) {
	ingestedCounter.WithLabelValues(topic).Inc()
	if !ts.IsZero() {
		lastEventGauge.WithLabelValues(topic).Set(float64(ts.Unix()))
	}
}

func recordRejected(topic string) {
	rejectedCounter.WithLabelValues(topic).Inc()
}

func recordHandlerError(topic string) {
	handlerErrorCounter.WithLabelValues(topic).Inc()
}
