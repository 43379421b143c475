// Package metrics exposes prometheus counters for the fetch cache, the
// delivery channels, the supervisor and the one-shot query pool.
//
// All methods are safe to call on a nil *Collector, which lets components
// run without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tubelytics"

// Collector is a prometheus.Collector for the core components.
type Collector struct {
	cacheLookups        *prometheus.CounterVec
	upstreamCalls       *prometheus.CounterVec
	batchesDelivered    prometheus.Counter
	batchesDropped      prometheus.Counter
	workerRestarts      prometheus.Counter
	workerEscalations   prometheus.Counter
	activeSubscriptions prometheus.Gauge
	queryDuration       *prometheus.HistogramVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cache_lookups_total",
				Help:      "Fetch cache lookups by operation and result (hit, miss).",
			}, []string{"op", "result"},
		),
		upstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "upstream_calls_total",
				Help:      "Calls made to the upstream provider by operation and outcome.",
			}, []string{"op", "outcome"},
		),
		batchesDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "batches_delivered_total",
				Help:      "Batches handed to subscription sinks.",
			},
		),
		batchesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "batches_dropped_total",
				Help:      "Batches discarded by drop-oldest overflow.",
			},
		),
		workerRestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "worker_restarts_total",
				Help:      "Polling worker restarts granted by the supervisor.",
			},
		),
		workerEscalations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "worker_escalations_total",
				Help:      "Subscriptions stopped after exhausting the restart budget.",
			},
		),
		activeSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_subscriptions",
				Help:      "Subscriptions with a live polling worker.",
			},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "query_duration_seconds",
				Help:      "One-shot query latency by kind and outcome.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			}, []string{"kind", "outcome"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.cacheLookups.Describe(ch)
	c.upstreamCalls.Describe(ch)
	c.batchesDelivered.Describe(ch)
	c.batchesDropped.Describe(ch)
	c.workerRestarts.Describe(ch)
	c.workerEscalations.Describe(ch)
	c.activeSubscriptions.Describe(ch)
	c.queryDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.cacheLookups.Collect(ch)
	c.upstreamCalls.Collect(ch)
	c.batchesDelivered.Collect(ch)
	c.batchesDropped.Collect(ch)
	c.workerRestarts.Collect(ch)
	c.workerEscalations.Collect(ch)
	c.activeSubscriptions.Collect(ch)
	c.queryDuration.Collect(ch)
}

// CacheHit records a lookup answered from a fresh entry.
func (c *Collector) CacheHit(op string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(op, "hit").Inc()
}

// CacheMiss records a lookup that had to join or start an upstream call.
func (c *Collector) CacheMiss(op string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(op, "miss").Inc()
}

// UpstreamCall records one upstream call and whether it failed.
func (c *Collector) UpstreamCall(op string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.upstreamCalls.WithLabelValues(op, outcome).Inc()
}

// BatchDelivered records a batch handed to a sink.
func (c *Collector) BatchDelivered() {
	if c == nil {
		return
	}
	c.batchesDelivered.Inc()
}

// BatchDropped records a batch lost to overflow.
func (c *Collector) BatchDropped() {
	if c == nil {
		return
	}
	c.batchesDropped.Inc()
}

// WorkerRestarted records a restart granted by the supervisor.
func (c *Collector) WorkerRestarted() {
	if c == nil {
		return
	}
	c.workerRestarts.Inc()
}

// WorkerEscalated records a subscription stopped for good.
func (c *Collector) WorkerEscalated() {
	if c == nil {
		return
	}
	c.workerEscalations.Inc()
}

// SubscriptionOpened increments the active subscription gauge.
func (c *Collector) SubscriptionOpened() {
	if c == nil {
		return
	}
	c.activeSubscriptions.Inc()
}

// SubscriptionClosed decrements the active subscription gauge.
func (c *Collector) SubscriptionClosed() {
	if c == nil {
		return
	}
	c.activeSubscriptions.Dec()
}

// QueryObserved records the latency of a one-shot query.
func (c *Collector) QueryObserved(kind string, seconds float64, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.queryDuration.WithLabelValues(kind, outcome).Observe(seconds)
}
