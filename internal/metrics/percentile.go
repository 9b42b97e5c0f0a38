package metrics

import (
	"sort"
	"sync"
)

const sketchWindow = 500

// sketch is a rolling fixed-window sample used to derive P50/P90/P95/P99
// without keeping the full history: the last 500 samples are sorted on
// read and indexed by rank. Approximate but cheap, and self-bounding.
type sketch struct {
	mu      sync.Mutex
	samples []float64
	next    int
}

func newSketch() *sketch {
	return &sketch{samples: make([]float64, 0, sketchWindow)}
}

func (s *sketch) add(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) < sketchWindow {
		s.samples = append(s.samples, v)
		return
	}
	s.samples[s.next] = v
	s.next = (s.next + 1) % sketchWindow
}

// Percentiles computes P50/P90/P95/P99 over the current window.
type Percentiles struct {
	P50, P90, P95, P99 float64
}

func (s *sketch) percentiles() Percentiles {
	s.mu.Lock()
	sorted := make([]float64, len(s.samples))
	copy(sorted, s.samples)
	s.mu.Unlock()

	if len(sorted) == 0 {
		return Percentiles{}
	}
	sort.Float64s(sorted)

	return Percentiles{
		P50: percentileOf(sorted, 0.50),
		P90: percentileOf(sorted, 0.90),
		P95: percentileOf(sorted, 0.95),
		P99: percentileOf(sorted, 0.99),
	}
}

func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
