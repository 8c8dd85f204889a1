package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the job and solver collectors of one Server
type metrics struct {
	jobs        *prometheus.CounterVec
	running     prometheus.Gauge
	duration    *prometheus.HistogramVec
	iterations  prometheus.Histogram
	evaluations prometheus.Histogram
	gradients   prometheus.Histogram
}

// newMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		// jobs counts finished jobs. Labels: status (completed, failed, cancelled)
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "budgetopt",
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Optimization jobs by final status",
		}, []string{"status"}),

		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "budgetopt",
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Optimization jobs currently holding a worker",
		}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "budgetopt",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall time of optimization jobs from start to finish",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		}, []string{"status"}),

		iterations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "budgetopt",
			Subsystem: "solver",
			Name:      "iterations",
			Help:      "Major solver iterations per job",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),

		evaluations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "budgetopt",
			Subsystem: "solver",
			Name:      "evaluations",
			Help:      "Model evaluations per job",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 10),
		}),

		gradients: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "budgetopt",
			Subsystem: "solver",
			Name:      "gradients",
			Help:      "Analytic model gradients per job",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
}
