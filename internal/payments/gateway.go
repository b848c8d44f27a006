package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	kafkax "github.com/yudhapratama/go-apparel-orders.git/internal/kafka"
	"github.com/yudhapratama/go-apparel-orders.git/internal/metrics"
	"github.com/yudhapratama/go-apparel-orders.git/internal/orders"
	"github.com/yudhapratama/go-apparel-orders.git/internal/redisx"
)

// Placer is the single order-creation entry point. The payment path settles
// through the same coordinator as direct placement, so it inherits the
// conditional-decrement guarantee and the compensation discipline.
type Placer interface {
	PlaceOrder(ctx context.Context, req orders.PlaceOrderRequest) (*orders.Order, error)
}

// PaidMarker flips the order to paid, guarded against double application.
type PaidMarker interface {
	MarkPaid(ctx context.Context, orderID, provider, ref string) (bool, error)
}

// Confirmations is the settlement claim store.
type Confirmations interface {
	Claim(ctx context.Context, correlationID, paymentID string) (bool, error)
	Release(ctx context.Context, correlationID string) error
	Attach(ctx context.Context, correlationID, orderID string) error
	Lookup(ctx context.Context, correlationID string) (string, bool, error)
}

type ConfirmRequest struct {
	CorrelationID string                   `json:"correlation_id"`
	PaymentID     string                   `json:"payment_id"`
	Signature     string                   `json:"signature"`
	Provider      string                   `json:"provider"`
	Order         orders.PlaceOrderRequest `json:"order"`
}

type ConfirmResult struct {
	OrderID   string `json:"order_id"`
	Duplicate bool   `json:"duplicate"`
}

// Gateway verifies externally-initiated payment assertions and settles each
// (correlationId, paymentId) pair exactly once.
type Gateway struct {
	Secret   []byte
	Confirms Confirmations
	Placer   Placer
	Orders   PaidMarker
	Redis    *redis.Client
	Producer orders.Publisher // order.paid
	Service  string
	Logger   zerolog.Logger
}

func (g *Gateway) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	ctx, span := otel.Tracer("payments").Start(ctx, "gateway.Confirm")
	defer span.End()
	span.SetAttributes(attribute.String("correlation_id", req.CorrelationID))

	if err := VerifySignature(g.Secret, req.CorrelationID, req.PaymentID, req.Signature); err != nil {
		return ConfirmResult{}, err
	}

	// Fast path: a replayed webhook usually hits the Redis marker first. The
	// claim table stays the source of truth.
	if g.Redis != nil {
		key := fmt.Sprintf(redisx.KeyIdemPaymentConfirm, req.CorrelationID)
		if ok, _ := redisx.Exists(ctx, g.Redis, key); ok {
			orderID, _, err := g.Confirms.Lookup(ctx, req.CorrelationID)
			if err != nil {
				return ConfirmResult{}, err
			}
			return g.finishDuplicate(ctx, orderID, req)
		}
	}

	claimed, err := g.Confirms.Claim(ctx, req.CorrelationID, req.PaymentID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if !claimed {
		orderID, _, err := g.Confirms.Lookup(ctx, req.CorrelationID)
		if err != nil {
			return ConfirmResult{}, err
		}
		g.Logger.Info().Str("correlation_id", req.CorrelationID).Msg("duplicate payment confirmation")
		return g.finishDuplicate(ctx, orderID, req)
	}

	o, err := g.Placer.PlaceOrder(ctx, req.Order)
	if err != nil {
		// Settlement failed; free the claim so a legitimate retry can try
		// again. Only successful settlements are replay-protected.
		if rerr := g.Confirms.Release(ctx, req.CorrelationID); rerr != nil {
			g.Logger.Error().Err(rerr).Str("correlation_id", req.CorrelationID).Msg("release claim failed")
		}
		return ConfirmResult{}, err
	}

	if err := g.Confirms.Attach(ctx, req.CorrelationID, o.ID); err != nil {
		g.Logger.Error().Err(err).Str("order_id", o.ID).Msg("attach confirmation failed")
	}
	if _, err := g.Orders.MarkPaid(ctx, o.ID, req.Provider, req.PaymentID); err != nil {
		return ConfirmResult{}, fmt.Errorf("mark paid: %w", err)
	}

	if g.Redis != nil {
		key := fmt.Sprintf(redisx.KeyIdemPaymentConfirm, req.CorrelationID)
		_ = g.Redis.Set(ctx, key, o.ID, redisx.TTLIdempotency).Err()
	}

	metrics.PaymentsConfirmed.Inc()
	g.publishPaid(ctx, o.ID, req)
	return ConfirmResult{OrderID: o.ID}, nil
}

// finishDuplicate resolves a replayed confirmation. A prior attempt may have
// settled the stock and attached the order but crashed before flipping the
// paid flag, so the retry re-runs MarkPaid; its is_paid/status guard makes
// that a no-op once the flag is set.
func (g *Gateway) finishDuplicate(ctx context.Context, orderID string, req ConfirmRequest) (ConfirmResult, error) {
	if orderID == "" {
		// claim held but settlement still in flight; nothing to heal yet
		metrics.PaymentsDuplicate.Inc()
		return ConfirmResult{Duplicate: true}, nil
	}

	applied, err := g.Orders.MarkPaid(ctx, orderID, req.Provider, req.PaymentID)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("mark paid: %w", err)
	}
	if !applied {
		metrics.PaymentsDuplicate.Inc()
		return ConfirmResult{OrderID: orderID, Duplicate: true}, nil
	}

	// this retry completed the interrupted settlement
	if g.Redis != nil {
		key := fmt.Sprintf(redisx.KeyIdemPaymentConfirm, req.CorrelationID)
		_ = g.Redis.Set(ctx, key, orderID, redisx.TTLIdempotency).Err()
	}
	metrics.PaymentsConfirmed.Inc()
	g.Logger.Info().Str("order_id", orderID).Str("correlation_id", req.CorrelationID).
		Msg("retry completed an interrupted settlement")
	g.publishPaid(ctx, orderID, req)
	return ConfirmResult{OrderID: orderID, Duplicate: true}, nil
}

func (g *Gateway) publishPaid(ctx context.Context, orderID string, req ConfirmRequest) {
	if g.Producer == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderPaid,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      g.Service,
		CorrelationID: orderID,
		Payload: kafkax.MustMarshal(orders.OrderPaidPayload{
			OrderID:       orderID,
			CorrelationID: req.CorrelationID,
			PaymentRef:    req.PaymentID,
			Provider:      req.Provider,
		}),
	}
	g.Producer.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderPaid)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
