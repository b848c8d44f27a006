package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/yudhapratama/go-apparel-orders.git/internal/catalog"
	kafkax "github.com/yudhapratama/go-apparel-orders.git/internal/kafka"
	"github.com/yudhapratama/go-apparel-orders.git/internal/metrics"
)

// Ledger is the authoritative stock store. ApplyDelta must be a single
// conditional compare-and-update; it is the only ordering guarantee the
// coordinator relies on.
type Ledger interface {
	ReadCell(ctx context.Context, productID, color, size string) (catalog.Cell, error)
	ApplyDelta(ctx context.Context, productID, color, size string, delta int) (int, error)
	RecomputeAggregate(ctx context.Context, productID string) error
}

// Store persists orders and their immutable item snapshots.
type Store interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, orderID string) (*Order, error)
	GetStatus(ctx context.Context, orderID string) (Status, error)
	ClaimCancel(ctx context.Context, orderID, reason string) (bool, error)
	MarkDelivered(ctx context.Context, orderID string) (bool, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Coordinator turns a placement request into either a fully-reserved,
// persisted order or no net state change at all. Reservations run per line
// as individually visible conditional updates; the partial-failure case is
// undone with explicit compensation rather than a wrapping transaction.
type Coordinator struct {
	Ledger            Ledger
	Store             Store
	ProducerCreated   Publisher
	ProducerRejected  Publisher
	ProducerCancelled Publisher
	Service           string
	Logger            zerolog.Logger
}

// committed tracks one reserved line of an in-flight placement. It is owned
// by the invocation that created it and never shared.
type committedLine struct {
	item OrderItem
}

func (c *Coordinator) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	ctx, span := otel.Tracer("orders").Start(ctx, "coordinator.PlaceOrder")
	defer span.End()

	if err := validate(req); err != nil {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	var reserved []committedLine
	for i, ln := range req.Items {
		if _, err := c.Ledger.ApplyDelta(ctx, ln.ProductID, ln.Color, ln.Size, -ln.Qty); err != nil {
			c.compensate(ctx, reserved)
			c.publishRejected(ctx, err, ln)
			c.countRejection(err)
			return nil, fmt.Errorf("item %d: %w", i, err)
		}

		cell, err := c.Ledger.ReadCell(ctx, ln.ProductID, ln.Color, ln.Size)
		if err != nil {
			// The decrement committed but the snapshot read failed; undo this
			// line together with the earlier ones.
			reserved = append(reserved, committedLine{item: OrderItem{
				ProductID: ln.ProductID, Color: ln.Color, Size: ln.Size, Qty: ln.Qty,
			}})
			c.compensate(ctx, reserved)
			c.countRejection(err)
			return nil, fmt.Errorf("item %d snapshot: %w", i, err)
		}

		reserved = append(reserved, committedLine{item: OrderItem{
			ProductID: ln.ProductID,
			Color:     ln.Color,
			Size:      ln.Size,
			Qty:       ln.Qty,
			UnitPrice: cell.Price,
			Title:     cell.Title,
			Image:     cell.Image,
		}})
	}

	c.recomputeAggregates(ctx, req.Items)

	o := &Order{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Status:          StatusCreated,
		Items:           make([]OrderItem, 0, len(reserved)),
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		ItemsPrice:      req.ItemsPrice,
		ShippingPrice:   req.ShippingPrice,
		TaxPrice:        req.TaxPrice,
		TotalPrice:      req.TotalPrice,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	for _, r := range reserved {
		o.Items = append(o.Items, r.item)
	}

	if err := c.Store.Insert(ctx, o); err != nil {
		// Stock was taken but the order cannot be persisted; restore every
		// line so no reservation exists without an order.
		c.compensate(ctx, reserved)
		c.recomputeAggregates(ctx, req.Items)
		return nil, fmt.Errorf("persist order: %w", err)
	}

	span.SetAttributes(attribute.String("order_id", o.ID), attribute.Int("items", len(o.Items)))
	metrics.OrdersPlaced.Inc()
	c.publishCreated(ctx, o)
	return o, nil
}

func validate(req PlaceOrderRequest) error {
	if len(req.Items) == 0 {
		return ErrEmptyItems
	}
	for i, ln := range req.Items {
		if ln.ProductID == "" || ln.Color == "" || ln.Size == "" || ln.Qty <= 0 {
			return fmt.Errorf("item %d: %w", i, ErrInvalidItem)
		}
	}
	return nil
}

// compensate restores every already-reserved line. Best effort: a failed
// restock is logged and counted, never re-failed, so the caller still sees
// the original business error.
func (c *Coordinator) compensate(ctx context.Context, reserved []committedLine) {
	for i := len(reserved) - 1; i >= 0; i-- {
		it := reserved[i].item
		if _, err := c.Ledger.ApplyDelta(ctx, it.ProductID, it.Color, it.Size, it.Qty); err != nil {
			metrics.CompensationFailures.Inc()
			c.Logger.Error().Err(err).
				Str("product_id", it.ProductID).
				Str("color", it.Color).
				Str("size", it.Size).
				Int("qty", it.Qty).
				Msg("compensating restock failed; needs reconciliation")
		}
	}
}

// recomputeAggregates re-derives the aggregate for every touched product
// before the request returns. Failures leave a stale aggregate, not a wrong
// ledger, so they are logged rather than surfaced.
func (c *Coordinator) recomputeAggregates(ctx context.Context, items []LineInput) {
	seen := map[string]bool{}
	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range items {
		if seen[ln.ProductID] {
			continue
		}
		seen[ln.ProductID] = true
		pid := ln.ProductID
		g.Go(func() error {
			return c.Ledger.RecomputeAggregate(gctx, pid)
		})
	}
	if err := g.Wait(); err != nil {
		c.Logger.Error().Err(err).Msg("aggregate recompute failed")
	}
}

func (c *Coordinator) countRejection(err error) {
	var ins *catalog.InsufficientStockError
	var nf *catalog.CellNotFoundError
	switch {
	case errors.As(err, &ins):
		metrics.OrdersRejected.WithLabelValues("insufficient_stock").Inc()
	case errors.As(err, &nf):
		metrics.OrdersRejected.WithLabelValues("cell_not_found").Inc()
	default:
		metrics.OrdersRejected.WithLabelValues("error").Inc()
	}
}

func (c *Coordinator) publishCreated(ctx context.Context, o *Order) {
	if c.ProducerCreated == nil {
		return
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     EventOrderCreated,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      c.Service,
		CorrelationID: o.ID,
		Payload: kafkax.MustMarshal(OrderCreatedPayload{
			OrderID: o.ID, UserID: o.UserID, Items: o.Items, TotalPrice: o.TotalPrice,
		}),
	}
	c.ProducerCreated.Publish(PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(EventOrderCreated)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (c *Coordinator) publishRejected(ctx context.Context, cause error, ln LineInput) {
	if c.ProducerRejected == nil {
		return
	}
	detail := StockRejectedDetail{ProductID: ln.ProductID, Color: ln.Color, Size: ln.Size, Required: ln.Qty}
	var ins *catalog.InsufficientStockError
	if errors.As(cause, &ins) {
		detail.Available = ins.Available
	}
	ev := Envelope{
		EventID:      uuid.NewString(),
		EventType:    EventStockRejected,
		EventVersion: 1,
		OccurredAt:   time.Now().UTC(),
		Producer:     c.Service,
		Payload: kafkax.MustMarshal(StockRejectedPayload{
			Reason: "OUT_OF_STOCK", Details: []StockRejectedDetail{detail},
		}),
	}
	c.ProducerRejected.Publish(PartitionKey(ln.ProductID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(EventStockRejected)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
