package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
)

var (
	brokerAvailableDesc = prometheus.NewDesc(
		"ndr_broker_available",
		"1 when the last broker probe succeeded.",
		nil, nil,
	)
	queueJobsDesc = prometheus.NewDesc(
		"ndr_queue_jobs",
		"Jobs per queue and status.",
		[]string{"queue", "status"}, nil,
	)
	queueWorkersDesc = prometheus.NewDesc(
		"ndr_queue_workers",
		"Configured concurrency per queue.",
		[]string{"queue"}, nil,
	)
)

// QueueCollector reads queue counts from the broker at scrape time.
type QueueCollector struct {
	manager *queue.Manager
	timeout time.Duration
}

// NewQueueCollector creates a collector for m.
func NewQueueCollector(m *queue.Manager) *QueueCollector {
	return &QueueCollector{manager: m, timeout: 5 * time.Second}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- brokerAvailableDesc
	ch <- queueJobsDesc
	ch <- queueWorkersDesc
}

// Collect implements prometheus.Collector. Counts are omitted while the
// broker is unavailable.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, def := range c.manager.Definitions() {
		ch <- prometheus.MustNewConstMetric(queueWorkersDesc, prometheus.GaugeValue, float64(def.Workers), def.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	stats, err := c.manager.Stats(ctx)

	available := 0.0
	if c.manager.IsBrokerAvailable() {
		available = 1
	}
	ch <- prometheus.MustNewConstMetric(brokerAvailableDesc, prometheus.GaugeValue, available)
	if err != nil {
		return
	}

	for name, qs := range stats.Queues {
		for status, n := range map[string]int64{
			"waiting":   qs.Waiting,
			"active":    qs.Active,
			"completed": qs.Completed,
			"failed":    qs.Failed,
			"delayed":   qs.Delayed,
		} {
			ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue, float64(n), name, status)
		}
	}
}

var _ prometheus.Collector = (*QueueCollector)(nil)
