package stitch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	journeysCreatedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "journey_service",
		Subsystem: "stitch",
		Name:      "journeys_created_total",
		Help:      "Number of journeys created for components with no prior bindings.",
	})

	journeysSupersededCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "journey_service",
		Subsystem: "stitch",
		Name:      "journeys_superseded_total",
		Help:      "Number of journeys merged into a winner and marked superseded.",
	})

	componentsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "journey_service",
		Subsystem: "stitch",
		Name:      "components_total",
		Help:      "Number of batch components handled, grouped by outcome.",
	}, []string{"outcome"})

	conflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "journey_service",
		Subsystem: "stitch",
		Name:      "cas_conflicts_total",
		Help:      "Number of compare-and-swap conflicts observed across workers.",
	})

	retriesExhaustedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "journey_service",
		Subsystem: "stitch",
		Name:      "retries_exhausted_total",
		Help:      "Number of components abandoned after the conflict retry budget ran out.",
	})

	deadLetteredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "journey_service",
		Subsystem: "stitch",
		Name:      "events_dead_lettered_total",
		Help:      "Number of malformed events routed to the dead-letter path.",
	})
)

func init() {
	prometheus.MustRegister(
		journeysCreatedCounter,
		journeysSupersededCounter,
		componentsCounter,
		conflictCounter,
		retriesExhaustedCounter,
		deadLetteredCounter,
	)
}

func recordConflict()         { conflictCounter.Inc() }
func recordRetriesExhausted() { retriesExhaustedCounter.Inc() }
