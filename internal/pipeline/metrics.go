package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus collectors for the pipeline.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	StageFailures   *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	TransitionTotal *prometheus.CounterVec
	ActiveJobs      prometheus.Gauge
}

// NewMetrics registers the pipeline collectors with the default registry.
// Registration happens once per process.
//
// Metrics:
//   - draftpr_pipeline_runs_total{outcome}
//   - draftpr_pipeline_stage_failures_total{stage}
//   - draftpr_pipeline_stage_duration_seconds{stage}
//   - draftpr_pipeline_transitions_total{to}
//   - draftpr_pipeline_active_jobs
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "draftpr_pipeline_runs_total",
					Help: "Pipeline calls by outcome",
				},
				[]string{"outcome"}, // "awaiting_approval", "completed", "failed"
			),
			StageFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "draftpr_pipeline_stage_failures_total",
					Help: "Jobs that failed, by the stage they failed in",
				},
				[]string{"stage"},
			),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "draftpr_pipeline_stage_duration_seconds",
					Help:    "Time spent in each stage",
					Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
				},
				[]string{"stage"},
			),
			TransitionTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "draftpr_pipeline_transitions_total",
					Help: "Stage transitions by target stage",
				},
				[]string{"to"},
			),
			ActiveJobs: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "draftpr_pipeline_active_jobs",
				Help: "Pipeline calls currently executing",
			}),
		}
	})
	return globalMetrics
}
