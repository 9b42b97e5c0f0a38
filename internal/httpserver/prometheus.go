package httpserver

import "github.com/prometheus/client_golang/prometheus"

var apiRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "sandrunner",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds, by method/route/status.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

// Collectors returns this package's own Prometheus collectors, in addition
// to internal/metrics.All(), for registration alongside GET /metrics.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{apiRequestDuration}
}
