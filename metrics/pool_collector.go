package metrics

import (
	"github.com/Tutortoise/incident-detection-service/detections"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolSource exposes session pool counters, implemented by detections.Model.
type PoolSource interface {
	Name() string
	Stats() detections.PoolStats
}

// PoolCollector reports session pool state at scrape time.
type PoolCollector struct {
	sources []PoolSource

	size            *prometheus.Desc
	live            *prometheus.Desc
	inUse           *prometheus.Desc
	acquired        *prometheus.Desc
	discarded       *prometheus.Desc
	acquireFailures *prometheus.Desc
	waitSeconds     *prometheus.Desc
}

func NewPoolCollector(sources ...PoolSource) *PoolCollector {
	labels := []string{"model"}
	return &PoolCollector{
		sources:         sources,
		size:            prometheus.NewDesc("session_pool_size", "Configured sessions per model", labels, nil),
		live:            prometheus.NewDesc("session_pool_live", "Sessions currently alive", labels, nil),
		inUse:           prometheus.NewDesc("session_pool_in_use", "Sessions currently acquired", labels, nil),
		acquired:        prometheus.NewDesc("session_pool_acquired_total", "Sessions handed out", labels, nil),
		discarded:       prometheus.NewDesc("session_pool_discarded_total", "Sessions destroyed after a failed run", labels, nil),
		acquireFailures: prometheus.NewDesc("session_pool_acquire_failures_total", "Acquire calls that timed out", labels, nil),
		waitSeconds:     prometheus.NewDesc("session_pool_wait_seconds_total", "Time spent waiting for a session", labels, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.live
	ch <- c.inUse
	ch <- c.acquired
	ch <- c.discarded
	ch <- c.acquireFailures
	ch <- c.waitSeconds
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.sources {
		s := src.Stats()
		name := src.Name()
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size), name)
		ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(s.Live), name)
		ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse), name)
		ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.CounterValue, float64(s.TotalAcquired), name)
		ch <- prometheus.MustNewConstMetric(c.discarded, prometheus.CounterValue, float64(s.TotalDiscarded), name)
		ch <- prometheus.MustNewConstMetric(c.acquireFailures, prometheus.CounterValue, float64(s.AcquireFailures), name)
		ch <- prometheus.MustNewConstMetric(c.waitSeconds, prometheus.CounterValue, s.WaitTime.Seconds(), name)
	}
}
