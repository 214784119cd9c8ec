// Package metrics exposes Prometheus instrumentation for Eventflow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProduced counts events published per topic
	EventsProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventflow",
		Name:      "events_produced_total",
		Help:      "Number of events produced, by topic.",
	}, []string{"topic"})

	// EventsConsumed counts envelopes delivered per topic and consumer group
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventflow",
		Name:      "events_consumed_total",
		Help:      "Number of envelopes delivered, by topic and group.",
	}, []string{"topic", "group"})

	// EventsIngested counts events handed to read-model ingestors
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventflow",
		Name:      "events_ingested_total",
		Help:      "Number of events ingested into read models, by namespace.",
	}, []string{"namespace"})

	// EventsMigrated counts events replicated by migrators
	EventsMigrated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventflow",
		Name:      "events_migrated_total",
		Help:      "Number of events replicated between topics, by destination.",
	}, []string{"destination"})

	// CatchUpLatched counts consumers that reached the live tail
	CatchUpLatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventflow",
		Name:      "catch_up_latched_total",
		Help:      "Number of consumers that latched catch-up, by reason.",
	}, []string{"reason"})
)
