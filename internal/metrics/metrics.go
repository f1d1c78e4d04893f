// Package metrics exposes Prometheus counters for token issuance, verification
// outcomes and delivery.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "channelverify"

type Metrics struct {
	TokensIssued     *prometheus.CounterVec
	VerifyOutcomes   *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
}

// New builds the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_issued_total",
				Help:      "Verification tokens persisted, by channel",
			},
			[]string{"channel"},
		),
		VerifyOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verify_outcomes_total",
				Help:      "Verification attempts by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		DeliveryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_failures_total",
				Help:      "Failed delivery attempts, by channel",
			},
			[]string{"channel"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Time spent in the delivery backend",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"channel"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.TokensIssued, m.VerifyOutcomes, m.DeliveryFailures, m.DeliveryDuration)
	}
	return m
}

func (m *Metrics) TokenIssued(channel string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(channel).Inc()
}

func (m *Metrics) VerifyOutcome(channel string, outcome string) {
	if m == nil {
		return
	}
	m.VerifyOutcomes.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Delivery(channel string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.DeliveryDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
	if err != nil {
		m.DeliveryFailures.WithLabelValues(channel).Inc()
	}
}
