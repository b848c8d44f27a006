package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Ledger owns the per-(product, color, size) counters. Every stock mutation
// goes through ApplyDelta; the precondition and the write are one statement,
// so two buyers racing for the last unit are serialized by the database.
type Ledger struct{ DB *pgxpool.Pool }

// ReadCell returns the current counter and the snapshot fields for one cell.
// No freshness guarantee beyond the store's read consistency.
func (l *Ledger) ReadCell(ctx context.Context, productID, color, size string) (Cell, error) {
	c := Cell{ProductID: productID, Color: color, Size: size}
	err := l.DB.QueryRow(ctx, `
		SELECT s.stock, s.price, p.title, p.image
		FROM size_stocks s
		JOIN products p ON p.id = s.product_id
		WHERE s.product_id=$1 AND s.color=$2 AND s.size=$3`,
		productID, color, size,
	).Scan(&c.Stock, &c.Price, &c.Title, &c.Image)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cell{}, &CellNotFoundError{ProductID: productID, Color: color, Size: size}
	}
	if err != nil {
		return Cell{}, err
	}
	return c, nil
}

// ApplyDelta applies one signed delta to one cell: negative to reserve,
// positive to restock. The stock floor is enforced inside the UPDATE itself;
// there is no separate read. Zero rows affected is disambiguated with a
// follow-up probe.
func (l *Ledger) ApplyDelta(ctx context.Context, productID, color, size string, delta int) (int, error) {
	var newStock int
	err := l.DB.QueryRow(ctx, `
		UPDATE size_stocks
		SET stock = stock + $4, updated_at = now()
		WHERE product_id=$1 AND color=$2 AND size=$3 AND stock + $4 >= 0
		RETURNING stock`,
		productID, color, size, delta,
	).Scan(&newStock)
	if err == nil {
		return newStock, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("apply delta: %w", err)
	}

	var available int
	err = l.DB.QueryRow(ctx, `
		SELECT stock FROM size_stocks
		WHERE product_id=$1 AND color=$2 AND size=$3`,
		productID, color, size,
	).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &CellNotFoundError{ProductID: productID, Color: color, Size: size}
	}
	if err != nil {
		return 0, fmt.Errorf("probe cell: %w", err)
	}
	return 0, &InsufficientStockError{
		ProductID: productID, Color: color, Size: size,
		Requested: -delta, Available: available,
	}
}

// RecomputeAggregate re-derives products.aggregate_stock from the cells. Not
// atomic with the triggering mutation; callers invoke it before responding so
// the figure converges within the request.
func (l *Ledger) RecomputeAggregate(ctx context.Context, productID string) error {
	_, err := l.DB.Exec(ctx, `
		UPDATE products
		SET aggregate_stock = (
			SELECT COALESCE(SUM(stock), 0) FROM size_stocks WHERE product_id=$1
		), updated_at = now()
		WHERE id=$1`, productID)
	return err
}

// ListProducts returns the catalog with variants grouped per color.
func (l *Ledger) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT p.id, p.title, p.image, p.aggregate_stock, p.created_at, p.updated_at,
		       s.color, s.size, s.stock, s.price
		FROM products p
		JOIN size_stocks s ON s.product_id = p.id
		ORDER BY p.id, s.color, s.size`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var (
			p     Product
			color string
			ss    SizeStock
			price decimal.Decimal
		)
		if err := rows.Scan(&p.ID, &p.Title, &p.Image, &p.AggregateStock, &p.CreatedAt, &p.UpdatedAt,
			&color, &ss.Size, &ss.Stock, &price); err != nil {
			return nil, err
		}
		ss.Price = price

		if len(out) == 0 || out[len(out)-1].ID != p.ID {
			out = append(out, p)
		}
		cur := &out[len(out)-1]
		if len(cur.Variants) == 0 || cur.Variants[len(cur.Variants)-1].Color != color {
			cur.Variants = append(cur.Variants, Variant{Color: color})
		}
		v := &cur.Variants[len(cur.Variants)-1]
		v.Sizes = append(v.Sizes, ss)
	}
	return out, rows.Err()
}
