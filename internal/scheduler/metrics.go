package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
)

func init() {
	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hpcmon",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Completed job runs by outcome",
		},
		[]string{"job", "outcome"}, // outcome: ok, error, panic
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hpcmon",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of job runs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 450},
		},
		[]string{"job"},
	)
	prometheus.MustRegister(jobRuns, jobDuration)
}
