package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	upstreamRequestCount    *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	upstreamLoginCount      *prometheus.CounterVec
)

func init() {
	upstreamRequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hpcmon",
			Subsystem: "upstream",
			Name:      "request_total",
			Help:      "Total number of requests sent to the cluster management API",
		},
		[]string{"endpoint", "outcome"}, // outcome: ok, empty, auth_expired, error
	)
	prometheus.MustRegister(upstreamRequestCount)

	upstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hpcmon",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Latency of requests to the cluster management API",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	prometheus.MustRegister(upstreamRequestDuration)

	upstreamLoginCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hpcmon",
			Subsystem: "upstream",
			Name:      "login_total",
			Help:      "Number of logins performed against the cluster management API",
		},
		[]string{"outcome"},
	)
	prometheus.MustRegister(upstreamLoginCount)
}
