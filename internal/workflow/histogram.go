package workflow

import (
	"sort"
	"sync"
	"time"
)

// defaultHistogramWindow bounds samples kept per key.
const defaultHistogramWindow = 256

// DurationStats summarizes one key's recorded durations.
type DurationStats struct {
	Count int     `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	MaxMs float64 `json:"max_ms"`
}

// Histogram keeps rolling duration windows keyed by stage name and by agent
// id. The engine consults the per-agent p95 when breaking selection ties.
type Histogram struct {
	mu     sync.RWMutex
	window int
	series map[string][]float64
}

// NewHistogram creates a histogram keeping at most window samples per key.
func NewHistogram(window int) *Histogram {
	if window <= 0 {
		window = defaultHistogramWindow
	}
	return &Histogram{window: window, series: make(map[string][]float64)}
}

// Observe records one duration under the key.
func (h *Histogram) Observe(key string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	h.mu.Lock()
	s := append(h.series[key], ms)
	if len(s) > h.window {
		s = s[len(s)-h.window:]
	}
	h.series[key] = s
	h.mu.Unlock()
}

// P95 returns the key's 95th percentile in milliseconds. Keys with no samples
// return 0, which selection treats as "no evidence, assume fast".
func (h *Histogram) P95(key string) float64 {
	return h.Stats(key).P95Ms
}

// Stats summarizes the key's window.
func (h *Histogram) Stats(key string) DurationStats {
	h.mu.RLock()
	src := h.series[key]
	samples := make([]float64, len(src))
	copy(samples, src)
	h.mu.RUnlock()

	if len(samples) == 0 {
		return DurationStats{}
	}
	sort.Float64s(samples)
	return DurationStats{
		Count: len(samples),
		P50Ms: quantile(samples, 0.50),
		P95Ms: quantile(samples, 0.95),
		MaxMs: samples[len(samples)-1],
	}
}

// Snapshot returns stats for every key.
func (h *Histogram) Snapshot() map[string]DurationStats {
	h.mu.RLock()
	keys := make([]string, 0, len(h.series))
	for k := range h.series {
		keys = append(keys, k)
	}
	h.mu.RUnlock()

	out := make(map[string]DurationStats, len(keys))
	for _, k := range keys {
		out[k] = h.Stats(k)
	}
	return out
}

// quantile uses the nearest-rank method on a sorted slice.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
