package vision

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the analyzer's Prometheus instruments.
type Metrics struct {
	FindingsPerSegment *prometheus.HistogramVec
	Confidence         *prometheus.SummaryVec
	GoalImpact         *prometheus.CounterVec
	SegmentsProcessed  *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	LeasesReclaimed    prometheus.Counter
	ErrorsTotal        *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics returns the process-wide analyzer metrics. Registration with
// the default registry happens once regardless of how many components ask.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			FindingsPerSegment: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "vision_findings_per_segment",
				Help:    "Findings persisted per segment, by detector.",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
			}, []string{"detector"}),
			Confidence: promauto.NewSummaryVec(prometheus.SummaryOpts{
				Name:       "vision_finding_confidence",
				Help:       "Confidence of persisted findings.",
				Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
			}, []string{"detector", "issue_type"}),
			GoalImpact: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "vision_goal_impact_total",
				Help: "Findings by affected goal and severity bucket.",
			}, []string{"goal", "severity_bucket"}),
			SegmentsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "vision_segments_processed_total",
				Help: "Segments finished by terminal result.",
			}, []string{"result"}),
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "vision_queue_depth",
				Help: "Pending rows in the analysis queue.",
			}),
			LeasesReclaimed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "vision_leases_reclaimed_total",
				Help: "Processing rows returned to pending by the lease sweeper.",
			}),
			ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "vision_errors_total",
				Help: "Analyzer errors by component and kind.",
			}, []string{"component", "kind"}),
		}
	})
	return metrics
}

// Observe records the per-pass metrics for one detector's persisted
// findings.
func (m *Metrics) Observe(detector string, findings []Finding) {
	m.FindingsPerSegment.WithLabelValues(detector).Observe(float64(len(findings)))
	for _, f := range findings {
		m.Confidence.WithLabelValues(detector, f.IssueType).Observe(f.Confidence)
		for _, goal := range f.AffectedGoals {
			m.GoalImpact.WithLabelValues(goal, severityBucket(f.Severity)).Inc()
		}
	}
}
