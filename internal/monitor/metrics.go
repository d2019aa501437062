package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	cpuUsageGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtengine_load_cpu_ratio",
		Help: "Most recent sampled CPU usage ratio",
	})

	memoryUsageGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtengine_load_memory_ratio",
		Help: "Most recent sampled memory usage ratio",
	})

	networkIOGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtengine_load_network_bytes_per_second",
		Help: "Most recent sampled network throughput",
	})

	controllerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtengine_controller_state",
		Help: "Adaptive controller state (1 for the current state)",
	}, []string{"state"})

	autoPausedTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtengine_controller_auto_paused_tasks",
		Help: "Tasks currently paused by the adaptive controller",
	})

	exhaustionWarnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtengine_resource_exhaustion_warnings_total",
		Help: "Resource exhaustion warnings raised",
	}, []string{"resource"})
)

func init() {
	prometheus.MustRegister(
		cpuUsageGauge,
		memoryUsageGauge,
		networkIOGauge,
		controllerState,
		autoPausedTasks,
		exhaustionWarnings,
	)
}
