package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders successfully paid",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of rejected order creations",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Order status transitions applied",
	}, []string{"to"})

	AllocationConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_cas_conflicts_total",
		Help: "Allocation version conflicts observed during reserve and restore",
	}, []string{"op"})

	AllocationReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "allocation_reserve_latency_seconds",
		Help:    "Latency of allocation reservations including retries",
		Buckets: prometheus.DefBuckets,
	})

	PaymentFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed payment callbacks",
	})

	PaymentCallbacksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_rejected_total",
		Help: "Payment callbacks rejected before reaching the order flow",
	}, []string{"reason"})

	EscrowReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_released_total",
		Help: "Total number of escrows released to sellers",
	})

	EscrowRefundedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_refunded_total",
		Help: "Total number of escrow refunds",
	}, []string{"kind"})

	SweepOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_sweep_outcomes_total",
		Help: "Per-escrow outcomes of the settlement sweep",
	}, []string{"outcome"})

	DisputesRaisedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disputes_raised_total",
		Help: "Total number of disputes raised",
	})

	DisputeResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispute_resolutions_total",
		Help: "Dispute resolutions by kind",
	}, []string{"resolution"})

	AuditDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_records_dropped_total",
		Help: "Audit records dropped because the buffer was full",
	})

	IntegrityIssues = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "integrity_issues",
		Help: "Issues found by the last integrity audit",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
