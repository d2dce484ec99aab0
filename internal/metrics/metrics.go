// Package metrics exposes Prometheus collectors for the sync subsystem.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "receiptsync"

// Drain and dispatch outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDropped = "dropped"
	OutcomeSkipped = "skipped"
)

// Metrics holds every collector.
type Metrics struct {
	Drains                *prometheus.CounterVec
	DrainDuration         prometheus.Histogram
	Items                 *prometheus.CounterVec
	Conflicts             *prometheus.CounterVec
	ConflictCheckFailures prometheus.Counter
	QueueDepth            prometheus.Gauge
	Online                prometheus.Gauge
	CacheLookups          *prometheus.CounterVec
	CacheEvictions        prometheus.Counter
	CacheBytes            prometheus.Gauge
}

// New creates the collectors and registers them with reg when non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "drains_total",
			Help:      "Coordinator drain requests by outcome.",
		}, []string{"outcome"}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "drain_duration_seconds",
			Help:      "Duration of completed drains.",
			Buckets:   prometheus.DefBuckets,
		}),
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "items_total",
			Help:      "Dispatched queue items by action and outcome.",
		}, []string{"action", "outcome"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Detected conflicts by resolution.",
		}, []string{"resolution"}),
		ConflictCheckFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflict_check_failures_total",
			Help:      "Conflict checks skipped because the remote read failed.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Queue items remaining after the last drain.",
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 while connectivity is present.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries removed by expiry or budget enforcement.",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "bytes",
			Help:      "Encoded bytes held by the cache.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Drains, m.DrainDuration, m.Items, m.Conflicts,
			m.ConflictCheckFailures, m.QueueDepth, m.Online,
			m.CacheLookups, m.CacheEvictions, m.CacheBytes)
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// DrainFinished records a drain outcome and, for completed drains, its duration.
func (m *Metrics) DrainFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Drains.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSkipped {
		m.DrainDuration.Observe(elapsed.Seconds())
	}
}

// ItemDispatched records one queue item outcome.
func (m *Metrics) ItemDispatched(action, outcome string) {
	if m == nil {
		return
	}
	m.Items.WithLabelValues(action, outcome).Inc()
}

// ConflictResolved records a detected conflict.
func (m *Metrics) ConflictResolved(resolution string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(resolution).Inc()
}

// ConflictCheckFailed records a fail-open conflict check.
func (m *Metrics) ConflictCheckFailed() {
	if m == nil {
		return
	}
	m.ConflictCheckFailures.Inc()
}

// SetQueueDepth records the remaining queue size.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SetOnline records the connectivity state.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.Online.Set(1)
		return
	}
	m.Online.Set(0)
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

// CacheEvicted records removed entries.
func (m *Metrics) CacheEvicted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

// SetCacheBytes records the cache footprint.
func (m *Metrics) SetCacheBytes(n int64) {
	if m == nil {
		return
	}
	m.CacheBytes.Set(float64(n))
}
