package verifier

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_verifications_total",
				Help: "Total number of token verifications by result and failure reason.",
			},
			[]string{"result", "reason"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "token_verification_duration_seconds",
				Help:    "Histogram of token verification latencies, including discovery and key fetches.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"result"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.total, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register verification metrics: %w", err)
		}
	}
	return m, nil
}

func (m *metrics) observe(reason string, d time.Duration) {
	result := "valid"
	if reason != "" {
		result = "invalid"
	} else {
		reason = "none"
	}
	m.total.WithLabelValues(result, reason).Inc()
	m.duration.WithLabelValues(result).Observe(d.Seconds())
}
