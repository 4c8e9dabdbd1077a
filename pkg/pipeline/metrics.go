package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes orchestrator counters for the /metrics endpoint.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
	StageDuration *prometheus.HistogramVec
	StageRetries  *prometheus.CounterVec
	StageFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wdfwatch",
				Name:      "pipeline_runs_total",
				Help:      "Pipeline runs by terminal status",
			},
			[]string{"status"},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wdfwatch",
				Name:      "pipeline_active_runs",
				Help:      "Number of currently executing runs",
			},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wdfwatch",
				Name:      "stage_duration_seconds",
				Help:      "Completed stage durations in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"stage"},
		),
		StageRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wdfwatch",
				Name:      "stage_retries_total",
				Help:      "Stage retry attempts",
			},
			[]string{"stage"},
		),
		StageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wdfwatch",
				Name:      "stage_failures_total",
				Help:      "Stage failures by error kind",
			},
			[]string{"stage", "kind"},
		),
	}
}
