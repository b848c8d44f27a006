package payments

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo stores the per-correlation-id settlement claims. The primary key on
// correlation_id is what makes settlement exactly-once.
type Repo struct{ DB *pgxpool.Pool }

// Claim records the intent to settle this correlation id. Returns false when
// another confirmation already holds (or held) the claim.
func (r *Repo) Claim(ctx context.Context, correlationID, paymentID string) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		INSERT INTO payment_confirmations(correlation_id, payment_id)
		VALUES ($1, $2)
		ON CONFLICT (correlation_id) DO NOTHING`,
		correlationID, paymentID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// Release frees a claim whose settlement failed, so the provider's retry can
// attempt again.
func (r *Repo) Release(ctx context.Context, correlationID string) error {
	_, err := r.DB.Exec(ctx,
		`DELETE FROM payment_confirmations WHERE correlation_id=$1 AND order_id IS NULL`,
		correlationID)
	return err
}

// Attach links the settled order to the claim.
func (r *Repo) Attach(ctx context.Context, correlationID, orderID string) error {
	_, err := r.DB.Exec(ctx,
		`UPDATE payment_confirmations SET order_id=$2 WHERE correlation_id=$1`,
		correlationID, orderID)
	return err
}

// Lookup returns the order settled for a correlation id, if any. The order
// id may still be empty while a concurrent settlement is in flight.
func (r *Repo) Lookup(ctx context.Context, correlationID string) (string, bool, error) {
	var orderID *string
	err := r.DB.QueryRow(ctx,
		`SELECT order_id FROM payment_confirmations WHERE correlation_id=$1`,
		correlationID).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if orderID == nil {
		return "", true, nil
	}
	return *orderID, true, nil
}
