// Package metrics centralizes the Prometheus instruments for the engine.
// Collectors register on the default registry; embedding applications decide
// whether and where to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildsTotal counts index builds by algorithm and element type.
	BuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_index_builds_total",
		Help: "Total number of index builds.",
	}, []string{"algorithm", "element"})

	// BuildDuration observes wall-clock build time by algorithm.
	BuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_index_build_duration_seconds",
		Help:    "Index build duration.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"algorithm"})

	// SearchesTotal counts matrix-level search calls by algorithm.
	SearchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_searches_total",
		Help: "Total number of search calls.",
	}, []string{"algorithm"})

	// SearchDuration observes wall-clock search time by algorithm, covering
	// the whole query batch of one call.
	SearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_search_duration_seconds",
		Help:    "Search call duration.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12),
	}, []string{"algorithm"})

	// ActiveIndexes tracks the number of live index handles.
	ActiveIndexes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_active_indexes",
		Help: "Number of live index handles.",
	})

	// IndexedPoints tracks the number of live points across all handles.
	IndexedPoints = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_indexed_points",
		Help: "Number of live points across all index handles.",
	})

	// SavesTotal counts index save operations.
	SavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_index_saves_total",
		Help: "Total number of index save operations.",
	})

	// LoadsTotal counts index load operations.
	LoadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_index_loads_total",
		Help: "Total number of index load operations.",
	})

	// AutotuneRuns counts autotuner invocations, labelled by whether the
	// target precision was reached.
	AutotuneRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_autotune_runs_total",
		Help: "Total number of autotuner runs.",
	}, []string{"reached_target"})
)
