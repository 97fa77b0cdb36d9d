package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	generationSeq       prometheus.Gauge
	generationPublished prometheus.Gauge
	reconcileFailures   prometheus.Counter
	reconcileDuration   prometheus.Histogram
	partitionUsage      *prometheus.GaugeVec
)

func init() {
	generationSeq = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hpcmon",
		Subsystem: "cluster",
		Name:      "generation",
		Help:      "Sequence number of the published cluster generation",
	})
	generationPublished = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hpcmon",
		Subsystem: "cluster",
		Name:      "generation_published_timestamp_seconds",
		Help:      "Unix time at which the current generation was published",
	})
	reconcileFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hpcmon",
		Subsystem: "cluster",
		Name:      "reconcile_failures_total",
		Help:      "Reconcile cycles that kept the previous generation",
	})
	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hpcmon",
		Subsystem: "cluster",
		Name:      "reconcile_duration_seconds",
		Help:      "Time spent building a generation",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40},
	})
	partitionUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hpcmon",
			Subsystem: "cluster",
			Name:      "partition_allocation_percent",
			Help:      "Allocated share of a partition resource",
		},
		[]string{"partition", "resource"}, // resource: cpu, mem, gpu
	)

	prometheus.MustRegister(generationSeq, generationPublished, reconcileFailures, reconcileDuration, partitionUsage)
}
