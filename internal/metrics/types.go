// Package metrics implements the two-tier metrics sink: an in-memory live
// view (ring buffer, percentile sketches, running averages, pool hit
// rate) and a durable per-hour/per-key aggregation in the KV store,
// exported to Prometheus from the same counters.
package metrics

import "time"

// ApiMetric is one finished HTTP request to the execution API.
type ApiMetric struct {
	Timestamp  time.Time
	Method     string
	Path       string
	StatusCode int
	DurationMs int64
	APIKeyHash string
}
