package compute

import "github.com/prometheus/client_golang/prometheus"

var (
	activeNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_compute_nodes",
			Help: "Current node count per compute target.",
		},
		[]string{"target"},
	)

	busyNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_compute_nodes_busy",
			Help: "Nodes currently executing a step, per compute target.",
		},
		[]string{"target"},
	)

	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_compute_steps_total",
			Help: "Total number of steps executed on compute nodes.",
		},
		[]string{"runtime", "status"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_compute_step_duration_seconds",
			Help:    "Wall-clock step execution time in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"runtime"},
	)
)

func init() {
	prometheus.MustRegister(activeNodes)
	prometheus.MustRegister(busyNodes)
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(stepDuration)
}
