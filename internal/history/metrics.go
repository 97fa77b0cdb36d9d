package history

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	historySamplesWritten *prometheus.CounterVec
	historyFetchFailures  *prometheus.CounterVec
	historyQueryFailures  prometheus.Counter
)

func init() {
	historySamplesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hpcmon",
			Subsystem: "history",
			Name:      "samples_written_total",
			Help:      "History samples newly stored per metric and sink",
		},
		[]string{"metric", "sink"},
	)
	historyFetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hpcmon",
			Subsystem: "history",
			Name:      "fetch_failures_total",
			Help:      "Usage series that could not be fetched",
		},
		[]string{"metric"},
	)
	historyQueryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hpcmon",
		Subsystem: "history",
		Name:      "query_failures_total",
		Help:      "History queries answered with an empty series after an error",
	})

	prometheus.MustRegister(historySamplesWritten, historyFetchFailures, historyQueryFailures)
}
