// Package metrics declares the Prometheus collectors shared by the assembly
// and matching engines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FieldUpdates counts apply-update calls by outcome
	// (accepted, stale, stale_inferior, rejected).
	FieldUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectmatch_field_updates_total",
			Help: "Field updates applied to requirement records, by outcome",
		},
		[]string{"outcome"},
	)

	// Publications counts publish attempts by result (published, repeat, not_ready).
	Publications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectmatch_publications_total",
			Help: "Publish attempts on requirement records, by result",
		},
		[]string{"result"},
	)

	RecordsAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "projectmatch_records_abandoned_total",
			Help: "Requirement records moved to abandoned",
		},
	)

	// IdentitiesIngested counts observations by resolution result
	// (created, merged, duplicate, unresolvable).
	IdentitiesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectmatch_observations_ingested_total",
			Help: "Candidate observations ingested, by resolution result",
		},
		[]string{"result"},
	)

	DiscoveryRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectmatch_discovery_runs_total",
			Help: "Discovery executions, by result",
		},
		[]string{"result"},
	)

	SourceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectmatch_source_failures_total",
			Help: "Discovery source calls that failed or timed out",
		},
		[]string{"source"},
	)

	// CacheLookups counts discovery cache reads (hit, miss, stale).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectmatch_discovery_cache_lookups_total",
			Help: "Discovery cache lookups, by result",
		},
		[]string{"result"},
	)

	SelectionBroadened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectmatch_selection_broadened_total",
			Help: "Fallback broadening steps applied during candidate selection",
		},
		[]string{"step"},
	)

	DiscoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "projectmatch_discovery_duration_seconds",
			Help:    "Wall time of a discovery execution",
			Buckets: prometheus.DefBuckets,
		},
	)
)
