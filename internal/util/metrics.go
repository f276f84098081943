package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InventoryReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_total",
		Help: "Inventory reservation attempts by outcome",
	}, []string{"outcome"})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	InventoryLowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_low_events_total",
		Help: "Total number of inventory.low events emitted",
	})

	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_total",
		Help: "Checkout attempts by outcome",
	}, []string{"outcome"})

	DiscountReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discount_reservations_total",
		Help: "Discount usage reservations by outcome",
	}, []string{"outcome"})

	PaymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_events_total",
		Help: "Payment provider events by type and outcome",
	}, []string{"type", "outcome"})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_event_processing_latency_seconds",
		Help:    "Latency of payment event ingestion",
		Buckets: prometheus.DefBuckets,
	})

	LatePaymentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "late_payments_total",
		Help: "Payments confirmed after their cart had already expired",
	})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_refunded_total",
		Help: "Total number of refunded orders",
	})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Outbound webhook attempts by result",
	}, []string{"result"})

	WebhookDeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhook_delivery_latency_seconds",
		Help:    "Latency of outbound webhook POSTs",
		Buckets: prometheus.DefBuckets,
	})

	ReaperReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_carts_released_total",
		Help: "Carts whose holds were released by the reaper",
	}, []string{"pass"})

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
