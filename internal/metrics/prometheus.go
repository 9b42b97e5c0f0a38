package metrics

import "github.com/prometheus/client_golang/prometheus"

var executionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sandrunner",
		Subsystem: "executions",
		Name:      "total",
		Help:      "Total number of code executions by language and outcome.",
	},
	[]string{"language", "status"},
)

var executionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "sandrunner",
		Subsystem: "executions",
		Name:      "duration_seconds",
		Help:      "Execution wall-clock duration in seconds, by language.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"language"},
)

var executionMemoryMB = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "sandrunner",
		Subsystem: "executions",
		Name:      "memory_peak_mb",
		Help:      "Peak memory usage in MB, by language.",
		Buckets:   []float64{16, 32, 64, 128, 256, 512, 1024, 2048},
	},
	[]string{"language"},
)

var poolHitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sandrunner",
		Subsystem: "pool",
		Name:      "hits_total",
		Help:      "Total number of warm-pod pool hits by language.",
	},
	[]string{"language"},
)

var poolMissesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sandrunner",
		Subsystem: "pool",
		Name:      "misses_total",
		Help:      "Total number of warm-pod pool misses by language.",
	},
	[]string{"language"},
)

var poolExhaustedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sandrunner",
		Subsystem: "pool",
		Name:      "exhausted_total",
		Help:      "Total number of times a pool had no warm pod available and triggered replenishment.",
	},
	[]string{"language"},
)

var containersDestroyedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sandrunner",
		Subsystem: "pool",
		Name:      "containers_destroyed_total",
		Help:      "Total number of pods torn down after use or eviction, by language.",
	},
	[]string{"language"},
)

// All returns every sandrunner Prometheus collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		executionsTotal,
		executionDuration,
		executionMemoryMB,
		poolHitsTotal,
		poolMissesTotal,
		poolExhaustedTotal,
		containersDestroyedTotal,
	}
}
