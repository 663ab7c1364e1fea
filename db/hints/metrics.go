package hints

import "github.com/prometheus/client_golang/prometheus"

// WatchdogMetrics are the two gauges a SpaceWatchdog publishes so its
// quota decision (spec §4.5) is observable without reading logs. Both
// are updated once per tick; neither is registered with any registry by
// this package, so a caller wires WatchdogMetrics into its own registry
// (or not at all — a nil *WatchdogMetrics is valid everywhere it's
// accepted).
type WatchdogMetrics struct {
	totalBytes prometheus.Gauge
	canWrite   prometheus.Gauge
}

// NewWatchdogMetrics constructs an unregistered WatchdogMetrics.
func NewWatchdogMetrics() *WatchdogMetrics {
	return &WatchdogMetrics{
		totalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hints_total_bytes",
			Help: "Total bytes occupied by hint files across every endpoint directory observed in the most recent watchdog tick.",
		}),
		canWrite: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hints_can_write",
			Help: "1 if the most recent watchdog tick allowed new hints, 0 if it forbade them.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *WatchdogMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.totalBytes.Describe(ch)
	m.canWrite.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *WatchdogMetrics) Collect(ch chan<- prometheus.Metric) {
	m.totalBytes.Collect(ch)
	m.canWrite.Collect(ch)
}

func (m *WatchdogMetrics) observe(totalBytes uint64, canWrite bool) {
	if m == nil {
		return
	}
	m.totalBytes.Set(float64(totalBytes))
	if canWrite {
		m.canWrite.Set(1)
	} else {
		m.canWrite.Set(0)
	}
}
