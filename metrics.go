package cosmigrate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "cosmigrate"

type metrics struct {
	itemsWrittenTotal   *prometheus.CounterVec
	pagesReadTotal      prometheus.Counter
	retriesTotal        *prometheus.CounterVec
	backoffSeconds      prometheus.Histogram
	units               *prometheus.GaugeVec
	unitDurationSeconds *prometheus.HistogramVec
}

// newMetrics creates the migrator metrics and registers them on reg.
// A nil reg leaves the collectors unregistered, which is what tests use.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		itemsWrittenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "items_written_total",
			Help:      "Items handled by the conflict-safe writer, by outcome.",
		}, []string{"outcome"}),
		pagesReadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pages_read_total",
			Help:      "Pages read from source containers.",
		}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Retried remote calls, by error class.",
		}, []string{"class"}),
		backoffSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "backoff_seconds",
			Help:      "Backoff waits before retrying a remote call.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		units: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "units",
			Help:      "Migration units by state.",
		}, []string{"state"}),
		unitDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "unit_duration_seconds",
			Help:      "Wall time spent per migration unit, by terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.itemsWrittenTotal,
			m.pagesReadTotal,
			m.retriesTotal,
			m.backoffSeconds,
			m.units,
			m.unitDurationSeconds,
		)
	}
	return m
}

func (m *metrics) observeRetry(class ErrorClass, delay time.Duration) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(class.String()).Inc()
	m.backoffSeconds.Observe(delay.Seconds())
}

func (m *metrics) observeItem(outcome InsertOutcome) {
	if m == nil {
		return
	}
	m.itemsWrittenTotal.WithLabelValues(outcome.String()).Inc()
}

func (m *metrics) observePage() {
	if m == nil {
		return
	}
	m.pagesReadTotal.Inc()
}

func (m *metrics) transition(from, to State) {
	if m == nil {
		return
	}
	if from != "" {
		m.units.WithLabelValues(string(from)).Dec()
	}
	m.units.WithLabelValues(string(to)).Inc()
}

func (m *metrics) observeUnitDuration(state State, d time.Duration) {
	if m == nil {
		return
	}
	m.unitDurationSeconds.WithLabelValues(string(state)).Observe(d.Seconds())
}
