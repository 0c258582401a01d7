// Package metrics holds the prometheus collectors of the ranking core. A nil
// *Metrics is valid and records nothing, which keeps tests free of registries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hypertrophy"

// Metrics groups the collectors.
type Metrics struct {
	queueDepth      *prometheus.GaugeVec
	queueProcessed  prometheus.Counter
	queueRetried    prometheus.Counter
	queueDropped    prometheus.Counter
	drainBatch      prometheus.Histogram
	sweepSelected   *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	reassignSeconds *prometheus.HistogramVec
	ranksChanged    *prometheus.CounterVec
	reassignFailed  *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	recordsIngested prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending user updates per lane.",
		}, []string{"lane"}),
		queueProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "User updates applied by the drain loop.",
		}),
		queueRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retried_total",
			Help:      "User updates re-enqueued after a failure.",
		}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "User updates dropped after exhausting retries or capacity.",
		}),
		drainBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "drain_batch_size",
			Help:      "Users taken per drain tick.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50},
		}),
		sweepSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "selected_users_total",
			Help:      "Users selected for re-aggregation by the expiration sweeper.",
		}, []string{"period"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "duration_seconds",
			Help:      "Duration of a sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		reassignSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ranking",
			Name:      "reassign_duration_seconds",
			Help:      "Duration of a global rank pass.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"period"}),
		ranksChanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ranking",
			Name:      "ranks_changed_total",
			Help:      "Rows whose placement changed in a rank pass.",
		}, []string{"period", "category"}),
		reassignFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ranking",
			Name:      "reassign_failures_total",
			Help:      "Rank passes that gave up for a cycle.",
		}, []string{"period", "category"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Leaderboard cache lookups by result (hit, miss, stale).",
		}, []string{"result"}),
		recordsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Activity records submitted.",
		}),
	}

	reg.MustRegister(
		m.queueDepth,
		m.queueProcessed,
		m.queueRetried,
		m.queueDropped,
		m.drainBatch,
		m.sweepSelected,
		m.sweepDuration,
		m.reassignSeconds,
		m.ranksChanged,
		m.reassignFailed,
		m.cacheLookups,
		m.recordsIngested,
	)
	return m
}

func (m *Metrics) SetQueueDepth(high, low int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("high").Set(float64(high))
	m.queueDepth.WithLabelValues("low").Set(float64(low))
}

func (m *Metrics) UpdateProcessed() {
	if m == nil {
		return
	}
	m.queueProcessed.Inc()
}

func (m *Metrics) UpdateRetried() {
	if m == nil {
		return
	}
	m.queueRetried.Inc()
}

func (m *Metrics) UpdateDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

func (m *Metrics) DrainBatch(size int) {
	if m == nil {
		return
	}
	m.drainBatch.Observe(float64(size))
}

func (m *Metrics) SweepSelected(period string, users int) {
	if m == nil {
		return
	}
	m.sweepSelected.WithLabelValues(period).Add(float64(users))
}

func (m *Metrics) SweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) Reassigned(period, category string, changed int, d time.Duration) {
	if m == nil {
		return
	}
	m.reassignSeconds.WithLabelValues(period).Observe(d.Seconds())
	m.ranksChanged.WithLabelValues(period, category).Add(float64(changed))
}

func (m *Metrics) ReassignFailed(period, category string) {
	if m == nil {
		return
	}
	m.reassignFailed.WithLabelValues(period, category).Inc()
}

// CacheLookup records a lookup; result is "hit", "miss" or "stale".
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordIngested() {
	if m == nil {
		return
	}
	m.recordsIngested.Inc()
}
