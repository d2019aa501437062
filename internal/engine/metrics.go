package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtengine_tasks_submitted_total",
		Help: "Tasks accepted by the engine",
	}, []string{"kind"})

	tasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtengine_tasks_finished_total",
		Help: "Tasks that reached a terminal state",
	}, []string{"status"})

	tasksByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtengine_tasks",
		Help: "Tasks currently queued, running or paused",
	}, []string{"status"})

	dispatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtengine_dispatch_wait_seconds",
		Help:    "Time from submission to dispatch",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	timeSliceMultiplier = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtengine_time_slice_multiplier",
		Help: "Current time-slice multiplier",
	})

	streamResults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtengine_stream_results_total",
		Help: "Streaming results delivered to subscribers",
	})

	incrementalUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtengine_incremental_updates_total",
		Help: "Incremental updates processed, by how they were submitted",
	}, []string{"outcome"})

	coalescedUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtengine_coalesced_updates_total",
		Help: "Incremental updates folded into batch tasks",
	})
)

func init() {
	prometheus.MustRegister(
		tasksSubmitted,
		tasksFinished,
		tasksByStatus,
		dispatchWait,
		timeSliceMultiplier,
		streamResults,
		incrementalUpdates,
		coalescedUpdates,
	)
}
