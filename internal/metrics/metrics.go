// Package metrics exposes Prometheus counters for replay observability.
//
// Registered series:
//   - replay_feature_cache_hits_total / replay_feature_cache_misses_total
//   - replay_decisions_total{reason}  – gate outcomes by reason code
//   - replay_exits_total{reason,side} – exit actions by reason and side
//   - replay_runs_total{outcome}      – completed | canceled | failed
//   - replay_bars_skipped_total       – bars skipped by non-strict recovery
//
// Served by the HTTP server at /metrics in Prometheus text format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replay_feature_cache_hits_total",
		Help: "Feature cache hits",
	})

	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replay_feature_cache_misses_total",
		Help: "Feature cache misses",
	})

	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_decisions_total",
			Help: "Gate pipeline outcomes by reason code",
		},
		[]string{"reason"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_exits_total",
			Help: "Exit actions by reason and side",
		},
		[]string{"reason", "side"},
	)

	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_runs_total",
			Help: "Replay runs by outcome",
		},
		[]string{"outcome"},
	)

	BarsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replay_bars_skipped_total",
		Help: "Bars skipped by non-strict per-bar recovery",
	})
)

func init() {
	prometheus.MustRegister(
		CacheHits,
		CacheMisses,
		Decisions,
		Exits,
		Runs,
		BarsSkipped,
	)
}
