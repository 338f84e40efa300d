package registry

import (
	"sort"
	"sync"
	"time"
)

// LatencyMetrics is the percentile view of one source's recorded
// request/update latencies, grounded on the teacher's LatencyTracker
// (internal/datasources/health.go) and feeding GetConnectionHealth's
// mean-latency field with a fuller P50/P95/P99 picture (SPEC_FULL.md
// §12 supplement).
type LatencyMetrics struct {
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	Avg time.Duration
}

// latencyTracker keeps a bounded ring of recent latency samples for one
// source.
type latencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	cap     int
}

func newLatencyTracker(capacity int) *latencyTracker {
	return &latencyTracker{cap: capacity}
}

func (lt *latencyTracker) add(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if len(lt.samples) >= lt.cap {
		lt.samples = lt.samples[1:]
	}
	lt.samples = append(lt.samples, d)
}

func (lt *latencyTracker) metrics() LatencyMetrics {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if len(lt.samples) == 0 {
		return LatencyMetrics{}
	}
	sorted := append([]time.Duration(nil), lt.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, s := range sorted {
		total += s
	}
	n := len(sorted)
	return LatencyMetrics{
		P50: sorted[n*50/100],
		P95: sorted[n*95/100],
		P99: sorted[n*99/100],
		Avg: total / time.Duration(n),
	}
}

// RecordLatency records one observed request/update latency sample for
// source, surfaced through LatencyFor and GetConnectionHealth. No
// adapter or pipeline path in this module calls it, so a source has no
// samples unless a caller records them.
func (r *Registry) RecordLatency(source string, d time.Duration) {
	r.latMu.Lock()
	lt, ok := r.latency[source]
	if !ok {
		lt = newLatencyTracker(1000)
		r.latency[source] = lt
	}
	r.latMu.Unlock()
	lt.add(d)
}

// LatencyFor returns source's current latency percentile view.
func (r *Registry) LatencyFor(source string) LatencyMetrics {
	r.latMu.Lock()
	lt, ok := r.latency[source]
	r.latMu.Unlock()
	if !ok {
		return LatencyMetrics{}
	}
	return lt.metrics()
}
