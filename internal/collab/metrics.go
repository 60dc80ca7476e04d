package collab

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the orchestrator's Prometheus instruments.
type Metrics struct {
	TrajectoriesVerified *prometheus.CounterVec
	RegenAttempts        prometheus.Histogram
	RetrievalFailures    *prometheus.CounterVec
	TrainSteps           *prometheus.CounterVec
	ErrorsTotal          *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics returns the process-wide orchestrator metrics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			TrajectoriesVerified: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "collab_trajectories_verified_total",
				Help: "Trajectories verified, by verdict.",
			}, []string{"verdict"}),
			RegenAttempts: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "collab_regeneration_attempts",
				Help:    "Regeneration attempts taken per generation request.",
				Buckets: []float64{0, 1, 2, 3},
			}),
			RetrievalFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "collab_retrieval_failures_total",
				Help: "Lore-context sub-fetch failures, by source.",
			}, []string{"source"}),
			TrainSteps: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "collab_train_steps_total",
				Help: "Training steps executed, by stage.",
			}, []string{"stage"}),
			ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "collab_errors_total",
				Help: "Orchestrator errors by component and kind.",
			}, []string{"component", "kind"}),
		}
	})
	return metrics
}
