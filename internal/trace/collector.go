package trace

import (
	"github.com/prometheus/client_golang/prometheus"
)

// fabricCollector computes gauge-style metrics at scrape time instead of
// tracking them incrementally: queue depths come from the registry callback
// and latency quantiles from the sample window.
type fabricCollector struct {
	metrics *Metrics

	queueSize *prometheus.Desc
	queueHigh *prometheus.Desc
	latency   *prometheus.Desc
	uptime    *prometheus.Desc
	inFlight  *prometheus.Desc
}

func newFabricCollector(m *Metrics) *fabricCollector {
	return &fabricCollector{
		metrics: m,
		queueSize: prometheus.NewDesc(
			"core_queue_size",
			"Current depth of each agent's inbound queue.",
			[]string{"agent_id"}, nil),
		queueHigh: prometheus.NewDesc(
			"core_queue_high_water",
			"High-water mark of each agent's inbound queue.",
			[]string{"agent_id"}, nil),
		latency: prometheus.NewDesc(
			"core_request_latency_ms",
			"Windowed end-to-end delivery latency in milliseconds.",
			[]string{"quantile"}, nil),
		uptime: prometheus.NewDesc(
			"core_uptime_seconds",
			"Seconds since the fabric started.",
			nil, nil),
		inFlight: prometheus.NewDesc(
			"core_messages_in_flight",
			"Messages accepted by the fabric but not yet terminal.",
			nil, nil),
	}
}

func (c *fabricCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueSize
	ch <- c.queueHigh
	ch <- c.latency
	ch <- c.uptime
	ch <- c.inFlight
}

func (c *fabricCollector) Collect(ch chan<- prometheus.Metric) {
	c.metrics.mu.RLock()
	statsFn := c.metrics.queueStats
	c.metrics.mu.RUnlock()

	if statsFn != nil {
		for agentID, g := range statsFn() {
			ch <- prometheus.MustNewConstMetric(c.queueSize, prometheus.GaugeValue, float64(g.Size), agentID)
			ch <- prometheus.MustNewConstMetric(c.queueHigh, prometheus.GaugeValue, float64(g.HighWater), agentID)
		}
	}

	lat := c.metrics.Latency()
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, lat.P50Ms, "0.5")
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, lat.P95Ms, "0.95")
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, lat.P99Ms, "0.99")

	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, c.metrics.Uptime().Seconds())
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(c.metrics.Snapshot().InFlight()))
}
