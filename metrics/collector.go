package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every series the package exports.
const Namespace = "stepflow"

// StatsCollector exports point-in-time readings from running
// components. Each registered stat names a getter that is read at
// scrape time, so components keep their own counters and the
// collector never holds state of its own.
type StatsCollector struct {
	mu    sync.RWMutex
	stats []stat
}

type stat struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func() float64
}

// NewStatsCollector creates an empty collector. Register it on a
// prometheus registry after adding the stats it should export.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// AddCounter exports a monotonically increasing reading under
// stepflow_<subsystem>_<name>.
func (c *StatsCollector) AddCounter(subsystem, name, help string, value func() float64) {
	c.add(subsystem, name, help, prometheus.CounterValue, value)
}

// AddGauge exports a reading that can go up and down under
// stepflow_<subsystem>_<name>.
func (c *StatsCollector) AddGauge(subsystem, name, help string, value func() float64) {
	c.add(subsystem, name, help, prometheus.GaugeValue, value)
}

func (c *StatsCollector) add(subsystem, name, help string, kind prometheus.ValueType, value func() float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = append(c.stats, stat{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(Namespace, subsystem, name), help, nil, nil),
		kind:  kind,
		value: value,
	})
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.stats {
		ch <- s.desc
	}
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.stats {
		ch <- prometheus.MustNewConstMetric(s.desc, s.kind, s.value())
	}
}

var _ prometheus.Collector = (*StatsCollector)(nil)
