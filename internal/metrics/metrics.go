// Package metrics exposes Prometheus collectors for the refresh worker, the
// catalog transport and live subscriptions.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/growthops/countsync/internal/domain"
	"github.com/growthops/countsync/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "countsync"

// Metrics holds every collector and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	retries         *prometheus.CounterVec
	cycleProcessed  prometheus.Gauge
	cycleTotal      prometheus.Gauge
	batchSize       prometheus.Gauge
	cyclesCompleted prometheus.Counter
	cycleDuration   prometheus.Histogram
}

// New registers the collectors on reg. A nil reg creates a fresh registry
// that also carries the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	m := &Metrics{
		registry: reg,
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_retries_total",
			Help:      "Catalog requests retried, by call site and status (0 for network errors).",
		}, []string{"site", "status"}),
		cycleProcessed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_processed_combinations",
			Help:      "Combinations processed so far in the current refresh cycle.",
		}),
		cycleTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_total_combinations",
			Help:      "Combinations in the current refresh cycle.",
		}),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_batch_size",
			Help:      "Current adaptive batch size of the refresh worker.",
		}),
		cyclesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_completed_total",
			Help:      "Refresh cycles completed.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of completed refresh cycles.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
		}),
	}

	reg.MustRegister(m.retries, m.cycleProcessed, m.cycleTotal, m.batchSize, m.cyclesCompleted, m.cycleDuration)
	return m
}

// OnProgress implements domain.CycleObserver.
func (m *Metrics) OnProgress(p domain.CycleProgress) {
	m.cycleProcessed.Set(float64(p.Processed))
	m.cycleTotal.Set(float64(p.Total))
	m.batchSize.Set(float64(p.BatchSize))
	if p.Done {
		m.cyclesCompleted.Inc()
		m.cycleDuration.Observe(p.Elapsed.Seconds())
	}
}

// RetryHook returns a transport hook counting retries for one call site.
func (m *Metrics) RetryHook(site string) transport.RetryFunc {
	return func(_ *http.Request, _ int, status int, _ error) {
		m.retries.WithLabelValues(site, strconv.Itoa(status)).Inc()
	}
}

// WatchSubscribers exports the live subscriber count read from fn.
func (m *Metrics) WatchSubscribers(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fanout_subscribers",
		Help:      "Live count subscriptions.",
	}, func() float64 { return float64(fn()) }))
}

// WatchStore exports cache totals read from fn at scrape time.
func (m *Metrics) WatchStore(fn func() (domain.Stats, error)) {
	m.registry.MustRegister(&storeCollector{
		stats: fn,
		total: prometheus.NewDesc(prometheus.BuildFQName(namespace, "store", "records"), "Count records in the cache.", nil, nil),
		stale: prometheus.NewDesc(prometheus.BuildFQName(namespace, "store", "stale_records"), "Count records flagged stale.", nil, nil),
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

var _ domain.CycleObserver = (*Metrics)(nil)

type storeCollector struct {
	stats func() (domain.Stats, error)
	total *prometheus.Desc
	stale *prometheus.Desc
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.stale
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	st, err := c.stats()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.total, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(st.Total))
	ch <- prometheus.MustNewConstMetric(c.stale, prometheus.GaugeValue, float64(st.Stale))
}
