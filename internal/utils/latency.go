package utils

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps the most recent run durations in a ring and reports percentiles.
type LatencyTracker struct {
	mu     sync.Mutex
	ring   []time.Duration
	next   int
	filled bool
}

// NewLatencyTracker creates a tracker holding up to size samples.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 512
	}
	return &LatencyTracker{ring: make([]time.Duration, size)}
}

// Observe records a duration, overwriting the oldest sample once full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = d
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.filled = true
	}
}

// Count returns the number of retained samples.
func (l *LatencyTracker) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count()
}

// Percentile returns the p-th percentile (0-100) of retained samples, or zero when empty.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.Lock()
	samples := slices.Clone(l.ring[:l.count()])
	l.mu.Unlock()

	if len(samples) == 0 {
		return 0
	}
	slices.Sort(samples)
	switch {
	case p <= 0:
		return samples[0]
	case p >= 100:
		return samples[len(samples)-1]
	}
	return samples[int(p/100*float64(len(samples)-1))]
}

func (l *LatencyTracker) count() int {
	if l.filled {
		return len(l.ring)
	}
	return l.next
}
