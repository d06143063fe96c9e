package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_booking"

var (
	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_total", Help: "Booking status transitions"},
		[]string{"status"},
	)
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payments_total", Help: "Payment attempts by gateway and outcome"},
		[]string{"gateway", "outcome"},
	)
	RefundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "refunds_total", Help: "Refund attempts by outcome"},
		[]string{"outcome"},
	)
	RefundedAmount = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "refunded_amount_total", Help: "Sum of successful refunds"})
	SagaCompensations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "saga_compensations_total", Help: "Compensating actions run after a failed payment step"},
		[]string{"action"},
	)
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "idempotent_replays_total", Help: "Requests answered from a stored idempotency key"})

	MatchesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of driver assignments"})
	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of available drivers in the geo index"})
	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver position updates received"})
	WSSessions      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Open notification websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
