package story

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the Story Memory service.
type Metrics struct {
	CacheHits       *prometheus.CounterVec // tier: l1, l2
	CacheMisses     prometheus.Counter
	SnapshotLatency prometheus.Histogram

	MutationsTotal *prometheus.CounterVec // op
	EventsIngested *prometheus.CounterVec // event_type, result: applied, duplicate, dropped
	DriftChecks    *prometheus.CounterVec // outcome: clean, drift
	ConflictsFound prometheus.Counter
	ErrorsTotal    *prometheus.CounterVec // component, kind
}

var (
	storyMetricsOnce sync.Once
	storyMetrics     *Metrics
)

// NewMetrics returns the process-wide story metrics, registering them on
// first use. Collectors register against the default registry once.
func NewMetrics() *Metrics {
	storyMetricsOnce.Do(func() {
		storyMetrics = &Metrics{
			CacheHits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "story_snapshot_cache_hits_total",
					Help: "Snapshot cache hits by tier",
				},
				[]string{"tier"},
			),
			CacheMisses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "story_snapshot_cache_misses_total",
					Help: "Snapshot cache misses (served from the repository)",
				},
			),
			SnapshotLatency: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "story_snapshot_get_seconds",
					Help:    "End-to-end snapshot get latency",
					Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
				},
			),
			MutationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "story_mutations_total",
					Help: "State manager mutations by operation",
				},
				[]string{"op"},
			),
			EventsIngested: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "story_events_ingested_total",
					Help: "Ingested story events by type and result",
				},
				[]string{"event_type", "result"},
			),
			DriftChecks: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "story_drift_checks_total",
					Help: "Drift checks by outcome",
				},
				[]string{"outcome"},
			),
			ConflictsFound: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "story_conflicts_total",
					Help: "Narrative conflicts detected",
				},
			),
			ErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "story_errors_total",
					Help: "Errors by component and kind",
				},
				[]string{"component", "kind"},
			),
		}
	})
	return storyMetrics
}
