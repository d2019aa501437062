package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	unitRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtengine_pool_unit_restarts_total",
			Help: "Total number of execution units replaced after a crash.",
		},
	)

	busyUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtengine_pool_busy_units",
			Help: "Number of execution units currently holding a task.",
		},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtengine_pool_execution_seconds",
			Help:    "Wall-clock time a task held an execution unit, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(unitRestarts)
	prometheus.MustRegister(busyUnits)
	prometheus.MustRegister(executionDuration)
}
