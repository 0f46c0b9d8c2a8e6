package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "restock_gardener"

var (
	keysKnownDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "health", "keys_known"),
		"Number of zone/item keys known to the pipeline",
		nil, nil,
	)
	keysTrainedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "health", "keys_trained"),
		"Number of keys with a trained model",
		nil, nil,
	)
	keysStaleDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "health", "keys_stale"),
		"Number of keys whose model is older than the max model age",
		nil, nil,
	)
	lastRunDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "health", "last_batch_run_timestamp_seconds"),
		"Unix time the last batch cycle finished, 0 before the first cycle",
		nil, nil,
	)
	lastErrorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "health", "last_batch_error_count"),
		"Number of keys that failed in the last batch cycle",
		nil, nil,
	)
)

// Collector exports the health snapshot as gauges at scrape time
type Collector struct {
	monitor *Monitor
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a collector over monitor
func NewCollector(monitor *Monitor) *Collector {
	return &Collector{monitor: monitor}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- keysKnownDesc
	ch <- keysTrainedDesc
	ch <- keysStaleDesc
	ch <- lastRunDesc
	ch <- lastErrorsDesc
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.monitor.Snapshot()

	var lastRun float64
	if snap.LastBatchRunAt != nil {
		lastRun = float64(snap.LastBatchRunAt.UnixNano()) / 1e9
	}

	ch <- prometheus.MustNewConstMetric(keysKnownDesc, prometheus.GaugeValue, float64(snap.TotalKeysKnown))
	ch <- prometheus.MustNewConstMetric(keysTrainedDesc, prometheus.GaugeValue, float64(snap.KeysWithTrainedModel))
	ch <- prometheus.MustNewConstMetric(keysStaleDesc, prometheus.GaugeValue, float64(snap.KeysStale))
	ch <- prometheus.MustNewConstMetric(lastRunDesc, prometheus.GaugeValue, lastRun)
	ch <- prometheus.MustNewConstMetric(lastErrorsDesc, prometheus.GaugeValue, float64(snap.LastBatchErrorCount))
}
