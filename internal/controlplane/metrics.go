package controlplane

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsCollector exports the registry's live state to Prometheus on every
// scrape rather than updating gauges inline on the hot dispatch path. Each
// Collect call re-derives the snapshot from InflightStats and the persisted
// task table, so a slow or stuck scraper can never desync from reality.
type metricsCollector struct {
	service *RegistryService

	sessionCount       *prometheus.Desc
	capabilityInflight *prometheus.Desc
	capabilityMax      *prometheus.Desc
	taskStatusCount    *prometheus.Desc
}

func newMetricsCollector(service *RegistryService) *metricsCollector {
	return &metricsCollector{
		service: service,
		sessionCount: prometheus.NewDesc(
			"fleetrelay_sessions_active",
			"Number of worker conns currently bound to the console.",
			nil, nil,
		),
		capabilityInflight: prometheus.NewDesc(
			"fleetrelay_capability_inflight",
			"In-flight command count for a (node, capability) pair.",
			[]string{"node_id", "capability"}, nil,
		),
		capabilityMax: prometheus.NewDesc(
			"fleetrelay_capability_max_inflight",
			"Declared max_inflight for a (node, capability) pair.",
			[]string{"node_id", "capability"}, nil,
		),
		taskStatusCount: prometheus.NewDesc(
			"fleetrelay_tasks_by_status",
			"Count of persisted tasks grouped by terminal/non-terminal status.",
			[]string{"status"}, nil,
		),
	}
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionCount
	ch <- c.capabilityInflight
	ch <- c.capabilityMax
	ch <- c.taskStatusCount
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	snapshots := c.service.InflightStats()
	ch <- prometheus.MustNewConstMetric(c.sessionCount, prometheus.GaugeValue, float64(len(snapshots)))
	for _, snapshot := range snapshots {
		for _, capability := range snapshot.Capabilities {
			ch <- prometheus.MustNewConstMetric(
				c.capabilityInflight, prometheus.GaugeValue, float64(capability.Inflight),
				snapshot.NodeID, capability.Name,
			)
			ch <- prometheus.MustNewConstMetric(
				c.capabilityMax, prometheus.GaugeValue, float64(capability.MaxInflight),
				snapshot.NodeID, capability.Name,
			)
		}
	}

	for status, count := range c.service.taskStatusCounts(context.Background()) {
		ch <- prometheus.MustNewConstMetric(c.taskStatusCount, prometheus.GaugeValue, float64(count), status)
	}
}

// RegisterMetrics wires the service's live state into reg so a /metrics
// endpoint can scrape inflight and task-status gauges without the dispatch
// path ever touching a Prometheus client directly.
func (s *RegistryService) RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(newMetricsCollector(s))
}
