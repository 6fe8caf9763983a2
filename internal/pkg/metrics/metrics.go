// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NotificationsTotal 按通知类型(payment/refund)和处理结果统计
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paynexus",
		Name:      "notifications_total",
		Help:      "Gateway notifications by kind and result.",
	}, []string{"kind", "result"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paynexus",
		Name:      "order_transitions_total",
		Help:      "Applied order status transitions by target status.",
	}, []string{"status"})

	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paynexus",
		Name:      "reconcile_total",
		Help:      "Reconciliation runs by subject and outcome.",
	}, []string{"subject", "outcome"})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paynexus",
		Name:      "gateway_request_duration_seconds",
		Help:      "Latency of payment gateway calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "status"})
)
