package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors of dispatch and iteration units.
// A nil *Metrics records nothing.
type Metrics struct {
	attempts         *prometheus.CounterVec
	retries          *prometheus.CounterVec
	presumedTimeouts *prometheus.CounterVec
	storeDuration    *prometheus.HistogramVec
	items            *prometheus.CounterVec
	InFlight         prometheus.Gauge
}

// NewMetrics registers the collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Send attempts by unit and outcome.",
		}, []string{"unit", "outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_retries_total",
			Help: "Backoff waits before a repeated send.",
		}, []string{"unit"}),
		presumedTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_presumed_timeouts_total",
			Help: "Sends skipped because the previous one timed out recently.",
		}, []string{"unit"}),
		storeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "messagelog_store_seconds",
			Help:    "Time spent writing audit records.",
			Buckets: prometheus.DefBuckets,
		}, []string{"unit"}),
		items: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iteration_items_total",
			Help: "Iteration items by unit and outcome.",
		}, []string{"unit", "outcome"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "limiter_in_flight",
			Help: "Parallel iteration items currently running.",
		}),
	}
}

func (m *Metrics) attempt(unit, outcome string) {
	if m != nil {
		m.attempts.WithLabelValues(unit, outcome).Inc()
	}
}

func (m *Metrics) retry(unit string) {
	if m != nil {
		m.retries.WithLabelValues(unit).Inc()
	}
}

func (m *Metrics) presumedTimeout(unit string) {
	if m != nil {
		m.presumedTimeouts.WithLabelValues(unit).Inc()
	}
}

func (m *Metrics) store(unit string, d time.Duration) {
	if m != nil {
		m.storeDuration.WithLabelValues(unit).Observe(d.Seconds())
	}
}

// Item counts one iteration item outcome
func (m *Metrics) Item(unit, outcome string) {
	if m != nil {
		m.items.WithLabelValues(unit, outcome).Inc()
	}
}
