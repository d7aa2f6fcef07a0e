package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var providerDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics holds Prometheus instruments for provider calls.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	TokensTotal     *prometheus.CounterVec
}

// InitMetrics creates and registers provider call instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_provider_requests_total",
			Help: "Total number of provider calls by outcome.",
		}, []string{"provider", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "garage_provider_request_duration_seconds",
			Help:    "Provider call duration in seconds.",
			Buckets: providerDurationBuckets,
		}, []string{"provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_provider_tokens_total",
			Help: "Tokens reported by providers.",
		}, []string{"provider"}),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.TokensTotal)
	return m
}

func (m *Metrics) observe(provider string, d time.Duration, resp *Response, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case IsCredentialMissing(err):
		outcome = "credential_missing"
	case err != nil:
		outcome = "error"
	}
	m.RequestsTotal.WithLabelValues(provider, outcome).Inc()
	m.RequestDuration.WithLabelValues(provider).Observe(d.Seconds())
	if resp != nil && resp.TokensUsed > 0 {
		m.TokensTotal.WithLabelValues(provider).Add(float64(resp.TokensUsed))
	}
}
