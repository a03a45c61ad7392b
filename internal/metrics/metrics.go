// Package metrics holds the Prometheus collectors shared across the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "schoolstats_build_info",
		Help: "Build information for the running binary.",
	}, []string{"version", "commit", "date"})

	IngestRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolstats_ingest_rows_total",
		Help: "Measurement rows persisted, by source.",
	}, []string{"source"})

	IngestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolstats_ingest_errors_total",
		Help: "Failed sync runs, by source.",
	}, []string{"source"})

	AggregationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolstats_aggregation_runs_total",
		Help: "Per-country aggregation runs, by outcome.",
	}, []string{"outcome"})

	AggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "schoolstats_aggregation_duration_seconds",
		Help:    "Duration of per-country aggregation runs.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	PrunedMeasurements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schoolstats_pruned_measurements_total",
		Help: "Raw measurement rows removed by the retention sweep.",
	})
)
