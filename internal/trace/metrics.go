package trace

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultHistogramWindow is the latency sample window size.
const DefaultHistogramWindow = 10000

// Counters is a snapshot of the fabric-wide message counters.
type Counters struct {
	Sent         uint64            `json:"sent"`
	Delivered    uint64            `json:"delivered"`
	Failed       uint64            `json:"failed"`
	Retried      uint64            `json:"retried"`
	DeadLettered uint64            `json:"dead_lettered"`
	Expired      uint64            `json:"expired"`
	ByKind       map[string]uint64 `json:"by_kind"`
	ByPriority   map[string]uint64 `json:"by_priority"`
}

// InFlight computes sent - (delivered + failed + dead_lettered + expired).
// At any quiescent moment this equals the number of messages still owned by
// the fabric.
func (c Counters) InFlight() int64 {
	return int64(c.Sent) - int64(c.Delivered) - int64(c.Failed) - int64(c.DeadLettered) - int64(c.Expired)
}

// LatencySummary exposes the windowed latency quantiles in milliseconds.
type LatencySummary struct {
	Count int     `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// Metrics maintains fabric counters, a windowed end-to-end latency
// histogram, and the prometheus mirrors of both. Only the tracer worker
// writes; readers take snapshots.
type Metrics struct {
	mu         sync.RWMutex
	counters   Counters
	samples    []float64 // latency samples in ms, ring
	sampleIdx  int
	sampleFull bool
	window     int
	startedAt  time.Time
	queueStats func() map[string]QueueGauge

	promMessages *prometheus.CounterVec
	promRetries  prometheus.Counter
	promDead     prometheus.Counter
	registry     *prometheus.Registry
}

// NewMetrics creates the metrics engine. window <= 0 uses the default.
func NewMetrics(window int) *Metrics {
	if window <= 0 {
		window = DefaultHistogramWindow
	}
	m := &Metrics{
		counters: Counters{
			ByKind:     make(map[string]uint64),
			ByPriority: make(map[string]uint64),
		},
		samples:   make([]float64, window),
		window:    window,
		startedAt: time.Now(),
		registry:  prometheus.NewRegistry(),
	}

	m.promMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "core_messages_total",
		Help: "Messages handled by the fabric, by kind and priority.",
	}, []string{"kind", "priority"})
	m.promRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "core_retries_total",
		Help: "Retry attempts scheduled by the fabric.",
	})
	m.promDead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "core_dead_letters_total",
		Help: "Envelopes moved to a dead-letter queue.",
	})

	m.registry.MustRegister(m.promMessages, m.promRetries, m.promDead)
	m.registry.MustRegister(newFabricCollector(m))
	return m
}

// Registry returns the prometheus registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetQueueStatsFunc installs the callback the prometheus collector uses to
// report per-queue gauges at scrape time.
func (m *Metrics) SetQueueStatsFunc(fn func() map[string]QueueGauge) {
	m.mu.Lock()
	m.queueStats = fn
	m.mu.Unlock()
}

// QueueGauge is the per-queue view exported at scrape time.
type QueueGauge struct {
	Size      int
	HighWater int
	Health    string
}

// observe folds one hop event into the counters. Called from the tracer
// worker only. first marks the event that created the trace so re-enqueues
// from retries do not inflate the sent counter.
func (m *Metrics) observe(ev event, first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.action {
	case ActionEnqueued, ActionDelivered:
		if !first {
			break
		}
		m.counters.Sent++
		m.counters.ByKind[string(ev.kind)]++
		m.counters.ByPriority[string(ev.priority)]++
		m.promMessages.WithLabelValues(string(ev.kind), string(ev.priority)).Inc()
	case ActionRetrying:
		m.counters.Retried++
		m.promRetries.Inc()
	}
}

// observeTerminal folds a closed trace into the terminal counters and the
// latency window. Called from the tracer worker only.
func (m *Metrics) observeTerminal(tr *Trace) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch tr.Status {
	case StatusDelivered:
		m.counters.Delivered++
		m.addSampleLocked(float64(tr.FinishedAt.Sub(tr.StartedAt)) / float64(time.Millisecond))
	case StatusFailed:
		m.counters.Failed++
	case StatusExpired:
		m.counters.Expired++
	case StatusDeadLettered:
		m.counters.DeadLettered++
		m.promDead.Inc()
	}
}

func (m *Metrics) addSampleLocked(ms float64) {
	m.samples[m.sampleIdx] = ms
	m.sampleIdx++
	if m.sampleIdx == m.window {
		m.sampleIdx = 0
		m.sampleFull = true
	}
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := m.counters
	cp.ByKind = make(map[string]uint64, len(m.counters.ByKind))
	for k, v := range m.counters.ByKind {
		cp.ByKind[k] = v
	}
	cp.ByPriority = make(map[string]uint64, len(m.counters.ByPriority))
	for k, v := range m.counters.ByPriority {
		cp.ByPriority[k] = v
	}
	return cp
}

// Latency computes the windowed latency summary.
func (m *Metrics) Latency() LatencySummary {
	m.mu.RLock()
	n := m.sampleIdx
	if m.sampleFull {
		n = m.window
	}
	samples := make([]float64, n)
	copy(samples, m.samples[:n])
	m.mu.RUnlock()

	if n == 0 {
		return LatencySummary{}
	}
	sort.Float64s(samples)
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return LatencySummary{
		Count: n,
		AvgMs: sum / float64(n),
		P50Ms: quantile(samples, 0.50),
		P95Ms: quantile(samples, 0.95),
		P99Ms: quantile(samples, 0.99),
	}
}

// Uptime returns the time since the metrics engine started.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

// quantile returns the q-th quantile of sorted samples (nearest-rank).
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
