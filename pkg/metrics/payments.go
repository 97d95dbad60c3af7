package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PaymentMetrics records counters for the payment orchestration core.
type PaymentMetrics struct {
	attempts     *prometheus.CounterVec
	callbacks    *prometheus.CounterVec
	anomalies    *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
}

// NewPaymentMetrics registers the payment metrics on the provided registerer.
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		return &PaymentMetrics{}
	}
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Payment attempts by terminal outcome.",
	}, []string{"outcome"})
	callbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Gateway callbacks by processing result.",
	}, []string{"result"})
	anomalies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_anomalies_total",
		Help: "Operational anomalies requiring manual reconciliation.",
	}, []string{"kind"})
	pollDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_poll_duration_seconds",
		Help:    "Wall-clock time until a polled attempt resolved.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 9),
	}, []string{"outcome"})
	reg.MustRegister(attempts, callbacks, anomalies, pollDuration)
	return &PaymentMetrics{
		attempts:     attempts,
		callbacks:    callbacks,
		anomalies:    anomalies,
		pollDuration: pollDuration,
	}
}

// IncAttempt counts an attempt reaching the given outcome.
func (m *PaymentMetrics) IncAttempt(outcome string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncCallback counts a processed callback by result.
func (m *PaymentMetrics) IncCallback(result string) {
	if m == nil || m.callbacks == nil {
		return
	}
	m.callbacks.WithLabelValues(normalizeLabel(result)).Inc()
}

// IncAnomaly counts an operational anomaly by kind.
func (m *PaymentMetrics) IncAnomaly(kind string) {
	if m == nil || m.anomalies == nil {
		return
	}
	m.anomalies.WithLabelValues(normalizeLabel(kind)).Inc()
}

// ObservePollDuration records how long polling ran before resolution.
func (m *PaymentMetrics) ObservePollDuration(outcome string, duration time.Duration) {
	if m == nil || m.pollDuration == nil {
		return
	}
	m.pollDuration.WithLabelValues(normalizeLabel(outcome)).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
