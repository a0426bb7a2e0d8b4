package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created, by payment method",
	}, []string{"payment_method"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of rejected order-creation attempts",
	}, []string{"reason"})

	PaymentCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Total number of gateway callbacks, by outcome",
	}, []string{"outcome"})

	CompensationsFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compensations_fired_total",
		Help: "Total number of timed-out orders that were auto-failed",
	})

	CompensationsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compensations_skipped_total",
		Help: "Total number of compensation jobs that found the order already settled",
	})

	VouchersRedeemedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vouchers_redeemed_total",
		Help: "Total number of voucher usage rows recorded",
	})

	VouchersReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vouchers_released_total",
		Help: "Total number of voucher usage rows deleted during compensation",
	})

	StockRestoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_restored_total",
		Help: "Total number of line items whose stock was restored during compensation",
	})

	OrderCreateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_create_latency_seconds",
		Help:    "Latency of order creation",
		Buckets: prometheus.DefBuckets,
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
