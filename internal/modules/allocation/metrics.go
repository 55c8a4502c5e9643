// README: Prometheus instrumentation for the batching orchestrator.
package allocation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "refuge"

// Metrics groups the orchestrator collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	batches      prometheus.Counter
	batchSize    prometheus.Histogram
	batchLatency prometheus.Histogram
	outcomes     *prometheus.CounterVec
	fallbacks    prometheus.Counter
	queueDepth   prometheus.Gauge
	latency      *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "allocation",
			Name:      "batches_total",
			Help:      "Batch cycles that processed at least one request.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "allocation",
			Name:      "batch_size",
			Help:      "Requests per processed batch.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200},
		}),
		batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "allocation",
			Name:      "batch_duration_seconds",
			Help:      "Time to assign and reserve one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "allocation",
			Name:      "outcomes_total",
			Help:      "Resolved requests by path and reason (reason empty on success).",
		}, []string{"path", "reason"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "allocation",
			Name:      "fallbacks_total",
			Help:      "Requests that timed out waiting for a batch and used direct allocation.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "allocation",
			Name:      "queue_depth",
			Help:      "Requests waiting for the next batch cycle.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "allocation",
			Name:      "request_duration_seconds",
			Help:      "Caller-observed allocation latency by path.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"path"}),
	}
	reg.MustRegister(m.batches, m.batchSize, m.batchLatency, m.outcomes, m.fallbacks, m.queueDepth, m.latency)
	return m
}

func (m *Metrics) observeBatch(size int, took time.Duration) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.batchSize.Observe(float64(size))
	m.batchLatency.Observe(took.Seconds())
}

func (m *Metrics) observeOutcome(res Result) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(res.Path), string(res.Reason)).Inc()
}

func (m *Metrics) observeFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) observeLatency(path Path, took time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(string(path)).Observe(took.Seconds())
}
