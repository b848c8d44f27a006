package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

type SizeStock struct {
	Size  string          `json:"size"`
	Stock int             `json:"stock"`
	Price decimal.Decimal `json:"price"`
}

type Variant struct {
	Color string      `json:"color"`
	Sizes []SizeStock `json:"sizes"`
}

type Product struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Image          string    `json:"image"`
	AggregateStock int       `json:"aggregate_stock"`
	Variants       []Variant `json:"variants"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Cell is the point-read view of one (product, color, size) counter plus the
// product fields an order line snapshots at settlement time.
type Cell struct {
	ProductID string
	Color     string
	Size      string
	Stock     int
	Price     decimal.Decimal
	Title     string
	Image     string
}
