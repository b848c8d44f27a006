package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderPaid      = "OrderPaid"
	EventOrderCancelled = "OrderCancelled"
	EventStockRejected  = "StockRejected"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "apparel-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually order_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- Per-event payloads ----

type OrderCreatedPayload struct {
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id,omitempty"`
	Items      []OrderItem     `json:"items"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

type OrderPaidPayload struct {
	OrderID       string `json:"order_id"`
	CorrelationID string `json:"correlation_id"`
	PaymentRef    string `json:"payment_ref"`
	Provider      string `json:"provider"`
}

type OrderCancelledPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type StockRejectedDetail struct {
	ProductID string `json:"product_id"`
	Color     string `json:"color"`
	Size      string `json:"size"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

type StockRejectedPayload struct {
	Reason  string                `json:"reason"` // e.g., OUT_OF_STOCK
	Details []StockRejectedDetail `json:"details,omitempty"`
}
