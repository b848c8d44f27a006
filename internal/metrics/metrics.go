package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apparel_orders_placed_total",
		Help: "Orders fully reserved and persisted.",
	})
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apparel_orders_rejected_total",
		Help: "Order placements rejected before persistence.",
	}, []string{"reason"})
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apparel_orders_cancelled_total",
		Help: "Orders moved to the cancelled terminal state.",
	})
	PaymentsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apparel_payments_confirmed_total",
		Help: "Payment confirmations settled exactly once.",
	})
	PaymentsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apparel_payments_duplicate_total",
		Help: "Replayed payment confirmations short-circuited as no-ops.",
	})
	CompensationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apparel_compensation_failures_total",
		Help: "Compensating restocks that failed and need reconciliation.",
	})
	RestockAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apparel_restock_anomalies_total",
		Help: "Cancelled lines whose stock cell no longer exists.",
	})
)
