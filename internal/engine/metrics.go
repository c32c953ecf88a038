package engine

import "github.com/prometheus/client_golang/prometheus"

var runsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kiln_runs_total",
		Help: "Total number of finished pipeline runs.",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(runsTotal)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, status := range []string{"completed", "failed", "canceled"} {
		runsTotal.WithLabelValues(status)
	}
}
