package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderItem is the immutable line snapshot captured at settlement time. The
// values never change afterwards, even if the product later changes price or
// drops the variant.
type OrderItem struct {
	ProductID string          `json:"product_id"`
	Color     string          `json:"color"`
	Size      string          `json:"size"`
	Qty       int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Title     string          `json:"title"`
	Image     string          `json:"image"`
}

type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id,omitempty"` // empty for guest capture
	Status          Status          `json:"status"`
	Items           []OrderItem     `json:"items"`
	ShippingAddress Address         `json:"shipping_address"`
	PaymentMethod   string          `json:"payment_method"`
	ItemsPrice      decimal.Decimal `json:"items_price"`
	ShippingPrice   decimal.Decimal `json:"shipping_price"`
	TaxPrice        decimal.Decimal `json:"tax_price"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	IsPaid          bool            `json:"is_paid"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	PaymentProvider string          `json:"payment_provider,omitempty"`
	PaymentRef      string          `json:"payment_ref,omitempty"`
	IsDelivered     bool            `json:"is_delivered"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Identity is the already-authenticated caller; session issuance lives
// outside this core.
type Identity struct {
	ID      string
	IsAdmin bool
}

// LineInput is one requested (cell, qty) pair of a placement.
type LineInput struct {
	ProductID string `json:"product_id"`
	Color     string `json:"color"`
	Size      string `json:"size"`
	Qty       int    `json:"qty"`
}

type PlaceOrderRequest struct {
	UserID          string          `json:"user_id,omitempty"`
	Items           []LineInput     `json:"items"`
	ShippingAddress Address         `json:"shipping_address"`
	PaymentMethod   string          `json:"payment_method"`
	ItemsPrice      decimal.Decimal `json:"items_price"`
	ShippingPrice   decimal.Decimal `json:"shipping_price"`
	TaxPrice        decimal.Decimal `json:"tax_price"`
	TotalPrice      decimal.Decimal `json:"total_price"`
}
