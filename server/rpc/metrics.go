package rpc

import (
	"context"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsInterceptor returns a connect.UnaryInterceptorFunc that records
// Prometheus metrics on reg. A nil reg records to unregistered collectors.
// It panics if the collectors are already registered on reg.
func MetricsInterceptor(reg prometheus.Registerer) connect.UnaryInterceptorFunc {
	factory := promauto.With(reg)

	requestsTotal := factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_requests_total",
			Help: "Total number of RPC requests by procedure and code.",
		},
		[]string{"procedure", "code"},
	)

	requestDuration := factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpc_request_duration_seconds",
			Help:    "Histogram of RPC request latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"procedure"},
	)

	requestsInFlight := factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpc_requests_in_flight",
			Help: "Number of RPC requests currently being processed.",
		},
		[]string{"procedure"},
	)

	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			procedure := req.Spec().Procedure

			requestsInFlight.WithLabelValues(procedure).Inc()
			defer requestsInFlight.WithLabelValues(procedure).Dec()

			start := time.Now()
			resp, err := next(ctx, req)
			requestDuration.WithLabelValues(procedure).Observe(time.Since(start).Seconds())

			code := "ok"
			if err != nil {
				code = connect.CodeOf(err).String()
			}
			requestsTotal.WithLabelValues(procedure, code).Inc()

			return resp, err
		}
	}
}
