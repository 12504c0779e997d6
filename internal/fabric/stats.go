package fabric

import (
	"time"

	"github.com/bidfabric/bidfabric/internal/queue"
	"github.com/bidfabric/bidfabric/internal/retry"
	"github.com/bidfabric/bidfabric/internal/trace"
)

// Stats is the composite read over every fabric subsystem.
type Stats struct {
	Uptime       time.Duration           `json:"uptime"`
	Agents       int                     `json:"agents"`
	Counters     trace.Counters          `json:"counters"`
	Latency      trace.LatencySummary    `json:"latency"`
	Queues       map[string]queue.Stats  `json:"queues"`
	Breakers     []retry.BreakerSnapshot `json:"breakers"`
	DeadLetters  int                     `json:"dead_letters"`
	Outstanding  int64                   `json:"outstanding_requests"`
	MissedAcks   uint64                  `json:"missed_acks"`
	TracesDropped uint64                 `json:"traces_dropped"`
}

// HealthStatus is the composite health tag.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health is the component-by-component health report.
type Health struct {
	Status     HealthStatus            `json:"status"`
	Components map[string]HealthStatus `json:"components"`
}

// Stats snapshots every subsystem.
func (m *Manager) Stats() Stats {
	var counters trace.Counters
	var latency trace.LatencySummary
	if m.metrics != nil {
		counters = m.metrics.Snapshot()
		latency = m.metrics.Latency()
	}
	return Stats{
		Uptime:        time.Since(m.startedAt),
		Agents:        len(m.reg.List()),
		Counters:      counters,
		Latency:       latency,
		Queues:        m.queues.StatsAll(),
		Breakers:      m.breakers.Snapshots(),
		DeadLetters:   m.dlq.Count(),
		Outstanding:   m.outstanding.Load(),
		MissedAcks:    m.missedAcks.Load(),
		TracesDropped: m.tracer.Dropped(),
	}
}

// Health folds queue saturation, breaker state, and shutdown into a single
// status per the degraded-before-unhealthy convention.
func (m *Manager) Health() Health {
	components := make(map[string]HealthStatus)

	if m.down.Load() {
		components["fabric"] = Unhealthy
	} else {
		components["fabric"] = Healthy
	}

	queues := Healthy
	for _, qs := range m.queues.StatsAll() {
		switch qs.Health {
		case queue.HealthUnhealthy:
			queues = Unhealthy
		case queue.HealthDegraded:
			if queues == Healthy {
				queues = Degraded
			}
		}
	}
	components["queues"] = queues

	breakers := Healthy
	for _, bs := range m.breakers.Snapshots() {
		if bs.State != retry.BreakerClosed {
			breakers = Degraded
			break
		}
	}
	components["breakers"] = breakers

	registryHealth := Healthy
	if len(m.reg.List()) == 0 {
		registryHealth = Degraded
	}
	components["registry"] = registryHealth

	overall := Healthy
	for _, h := range components {
		switch h {
		case Unhealthy:
			overall = Unhealthy
		case Degraded:
			if overall == Healthy {
				overall = Degraded
			}
		}
	}
	return Health{Status: overall, Components: components}
}

// QueueGauges adapts per-queue stats for scrape-time metrics export.
func (m *Manager) QueueGauges() map[string]trace.QueueGauge {
	stats := m.queues.StatsAll()
	out := make(map[string]trace.QueueGauge, len(stats))
	for id, qs := range stats {
		out[id] = trace.QueueGauge{Size: qs.Size, HighWater: qs.HighWater, Health: string(qs.Health)}
	}
	return out
}
