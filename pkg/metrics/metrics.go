// Package metrics exposes Prometheus instruments for stock decrements.
//
// Counters end in _total and histograms in their unit. Labels are limited to
// the strategy and the classified result so cardinality stays fixed no matter
// how many stock ids exist.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	decrements *prometheus.CounterVec
	retries    *prometheus.CounterVec
	lockWait   *prometheus.HistogramVec
	duration   *prometheus.HistogramVec
}

// New registers the instruments on reg. A nil reg builds unregistered
// instruments, which suits tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		decrements: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stock_decrements_total",
				Help: "Decrement calls by strategy and result.",
			},
			[]string{"strategy", "result"},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stock_decrement_retries_total",
				Help: "Attempts retried after a conflict or lock timeout.",
			},
			[]string{"strategy"},
		),
		lockWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stock_lock_wait_seconds",
				Help:    "Time spent acquiring the lock for one attempt.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"strategy"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stock_decrement_duration_seconds",
				Help:    "End-to-end decrement latency including retries.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"strategy"},
		),
	}
}

func (m *Metrics) ObserveDecrement(strategy, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.decrements.WithLabelValues(strategy, result).Inc()
	m.duration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(strategy string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(strategy).Inc()
}

func (m *Metrics) ObserveLockWait(strategy string, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(strategy).Observe(d.Seconds())
}
