package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yudhapratama/go-apparel-orders.git/internal/catalog"
	kafkax "github.com/yudhapratama/go-apparel-orders.git/internal/kafka"
	"github.com/yudhapratama/go-apparel-orders.git/internal/metrics"
)

// Cancel reverses a non-terminal order. The CANCELLED transition is claimed
// first via a conditional update; only the claim winner restocks, so the
// items are re-reserved exactly once no matter how many cancels race.
func (c *Coordinator) Cancel(ctx context.Context, orderID, reason string, who Identity) (*Order, error) {
	ctx, span := otel.Tracer("orders").Start(ctx, "coordinator.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	o, err := c.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !who.IsAdmin && (o.UserID == "" || o.UserID != who.ID) {
		return nil, ErrNotAuthorized
	}

	claimed, err := c.Store.ClaimCancel(ctx, orderID, reason)
	if err != nil {
		return nil, err
	}
	if !claimed {
		status, err := c.Store.GetStatus(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if status == StatusCancelled {
			return nil, ErrAlreadyCancelled
		}
		return nil, ErrAlreadyDelivered
	}

	// Restock from the immutable snapshot. A vanished cell (variant removed
	// from the catalog since purchase) is skipped and recorded; the
	// cancellation itself still proceeds.
	affected := make([]LineInput, 0, len(o.Items))
	for _, it := range o.Items {
		if _, err := c.Ledger.ApplyDelta(ctx, it.ProductID, it.Color, it.Size, it.Qty); err != nil {
			var nf *catalog.CellNotFoundError
			if errors.As(err, &nf) {
				metrics.RestockAnomalies.Inc()
				c.Logger.Warn().
					Str("order_id", orderID).
					Str("product_id", it.ProductID).
					Str("color", it.Color).
					Str("size", it.Size).
					Msg("restock skipped: cell no longer exists")
				continue
			}
			metrics.CompensationFailures.Inc()
			c.Logger.Error().Err(err).
				Str("order_id", orderID).
				Str("product_id", it.ProductID).
				Msg("restock failed; needs reconciliation")
			continue
		}
		affected = append(affected, LineInput{ProductID: it.ProductID})
	}
	c.recomputeAggregates(ctx, affected)

	metrics.OrdersCancelled.Inc()
	c.publishCancelled(ctx, orderID, reason)

	now := time.Now().UTC()
	o.Status = StatusCancelled
	o.CancelReason = reason
	o.CancelledAt = &now
	o.UpdatedAt = now
	return o, nil
}

// MarkDelivered moves the order to its DELIVERED terminal state.
func (c *Coordinator) MarkDelivered(ctx context.Context, orderID string) (*Order, error) {
	o, err := c.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, StatusDelivered) {
		if o.Status == StatusCancelled {
			return nil, ErrAlreadyCancelled
		}
		return nil, fmt.Errorf("cannot deliver order in status %s", o.Status)
	}

	ok, err := c.Store.MarkDelivered(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race to a cancel between the read and the update.
		return nil, ErrAlreadyCancelled
	}

	now := time.Now().UTC()
	o.Status = StatusDelivered
	o.IsDelivered = true
	o.DeliveredAt = &now
	o.UpdatedAt = now
	return o, nil
}

func (c *Coordinator) publishCancelled(ctx context.Context, orderID, reason string) {
	if c.ProducerCancelled == nil {
		return
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     EventOrderCancelled,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      c.Service,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(OrderCancelledPayload{OrderID: orderID, Reason: reason}),
	}
	c.ProducerCancelled.Publish(PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(EventOrderCancelled)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
