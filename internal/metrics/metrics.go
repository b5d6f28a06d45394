package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursepay_payments_total",
			Help: "Payment requests by lifecycle stage",
		},
		[]string{"stage"}, // accepted|invalid|misconfigured|rejected|unavailable|unrecorded|succeeded|failed|expired
	)

	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursepay_callbacks_total",
			Help: "Inbound STK callbacks by disposition",
		},
		[]string{"disposition"}, // settled|declined|duplicate|rejected|error
	)

	EnrollmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursepay_enrollments_total",
			Help: "Enrollment grants by source and result",
		},
		[]string{"source", "result"}, // payment|free , created|existing
	)

	TokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursepay_mpesa_token_refresh_total",
			Help: "Gateway access token refreshes",
		},
		[]string{"result"}, // ok|error
	)

	GatewayRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coursepay_mpesa_request_seconds",
			Help:    "Latency of gateway API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "outcome"},
	)

	ProjectedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coursepay_projected_events_total",
			Help: "Payment events written to ClickHouse",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		PaymentsTotal,
		CallbacksTotal,
		EnrollmentsTotal,
		TokenRefreshTotal,
		GatewayRequestSeconds,
		ProjectedEventsTotal,
	)
}
