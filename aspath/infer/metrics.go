package infer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aspathinference"

// Metrics exports lookup and batch statistics to Prometheus. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	lookups      *prometheus.CounterVec
	requests     *prometheus.CounterVec
	exhausted    prometheus.Counter
	latency      prometheus.Histogram
	batchSize    prometheus.Gauge
	hitRate      prometheus.Gauge
	cacheEntries prometheus.Gauge
	circuits     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Path lookups by cache outcome (hit, miss, skipped).",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP requests to the inference service by result (ok, error).",
		}, []string{"result"}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exhausted_lookups_total",
			Help:      "Lookups that failed after every retry.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of single inference HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of circuits in the current batch.",
		}),
		hitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_hit_rate",
			Help:      "Cache hit rate observed in the previous batch.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries in the inference cache at the last checkpoint.",
		}),
		circuits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuits_total",
			Help:      "Circuits written to the output file.",
		}),
	}
	reg.MustRegister(m.lookups, m.requests, m.exhausted, m.latency,
		m.batchSize, m.hitRate, m.cacheEntries, m.circuits)
	return m
}

func (m *Metrics) lookup(outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) request(err error, took time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(took.Seconds())
	if err != nil {
		m.requests.WithLabelValues("error").Inc()
		return
	}
	m.requests.WithLabelValues("ok").Inc()
}

func (m *Metrics) exhaustedLookup() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

// ObserveBatch records the size and hit rate of a finished batch.
func (m *Metrics) ObserveBatch(size int, hitRate float64) {
	if m == nil {
		return
	}
	m.batchSize.Set(float64(size))
	m.hitRate.Set(hitRate)
	m.circuits.Add(float64(size))
}

// ObserveCheckpoint records the cache size written by a checkpoint.
func (m *Metrics) ObserveCheckpoint(entries int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(entries))
}
