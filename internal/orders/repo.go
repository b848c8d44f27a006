package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

// Insert persists the order and its item snapshot in one transaction. It is
// only called once every line has been reserved; a partially-reserved order
// never reaches this point.
func (r *Repo) Insert(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}

	var userID *string
	if o.UserID != "" {
		userID = &o.UserID
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, status, is_paid, payment_method, shipping_address,
		                   items_price, shipping_price, tax_price, total_price)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		o.ID, userID, string(o.Status), o.IsPaid, o.PaymentMethod, addr,
		o.ItemsPrice, o.ShippingPrice, o.TaxPrice, o.TotalPrice,
	)
	if err != nil {
		return err
	}

	for _, it := range o.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, color, size, qty, unit_price, title, image)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			o.ID, it.ProductID, it.Color, it.Size, it.Qty, it.UnitPrice, it.Title, it.Image,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *Repo) Get(ctx context.Context, orderID string) (*Order, error) {
	var (
		o      Order
		userID *string
		status string
		addr   []byte
	)
	err := r.DB.QueryRow(ctx, `
		SELECT id, user_id, status, is_paid, paid_at, payment_provider, payment_ref,
		       payment_method, shipping_address, items_price, shipping_price, tax_price,
		       total_price, is_delivered, delivered_at, cancel_reason, cancelled_at,
		       created_at, updated_at
		FROM orders WHERE id=$1`, orderID,
	).Scan(&o.ID, &userID, &status, &o.IsPaid, &o.PaidAt, &o.PaymentProvider, &o.PaymentRef,
		&o.PaymentMethod, &addr, &o.ItemsPrice, &o.ShippingPrice, &o.TaxPrice,
		&o.TotalPrice, &o.IsDelivered, &o.DeliveredAt, &o.CancelReason, &o.CancelledAt,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID != nil {
		o.UserID = *userID
	}
	o.Status = Status(status)
	if len(addr) > 0 {
		if err := json.Unmarshal(addr, &o.ShippingAddress); err != nil {
			return nil, fmt.Errorf("unmarshal shipping address: %w", err)
		}
	}

	rows, err := r.DB.Query(ctx, `
		SELECT product_id, color, size, qty, unit_price, title, image
		FROM order_items WHERE order_id=$1
		ORDER BY product_id, color, size`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ProductID, &it.Color, &it.Size, &it.Qty, &it.UnitPrice, &it.Title, &it.Image); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

func (r *Repo) GetStatus(ctx context.Context, orderID string) (Status, error) {
	var s string
	err := r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrOrderNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(s), nil
}

// ClaimCancel moves the order to CANCELLED iff it is still cancellable. The
// conditional update is the serialization point: exactly one concurrent
// cancel claims the transition, so the restock runs exactly once.
func (r *Repo) ClaimCancel(ctx context.Context, orderID, reason string) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET status=$3, cancel_reason=$2, cancelled_at=now(), updated_at=now()
		WHERE id=$1 AND status <> $3 AND is_delivered = false`,
		orderID, reason, string(StatusCancelled))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// MarkPaid attaches the provider reference iff the order has not been paid
// yet. Guarded in the WHERE clause so a duplicate confirmation can never
// double-apply.
func (r *Repo) MarkPaid(ctx context.Context, orderID, provider, ref string) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET status=$4, is_paid=true, paid_at=now(), payment_provider=$2, payment_ref=$3, updated_at=now()
		WHERE id=$1 AND is_paid=false AND status=$5`,
		orderID, provider, ref, string(StatusPaid), string(StatusCreated))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) MarkDelivered(ctx context.Context, orderID string) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET status=$2, is_delivered=true, delivered_at=now(), updated_at=now()
		WHERE id=$1 AND status <> $3 AND is_delivered = false`,
		orderID, string(StatusDelivered), string(StatusCancelled))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}
