package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/yudhapratama/go-apparel-orders.git/internal/kafka"
	"github.com/yudhapratama/go-apparel-orders.git/internal/orders"
	"github.com/yudhapratama/go-apparel-orders.git/internal/redisx"
)

// Cache is the subset of redis commands the service needs; satisfied by
// *redis.Client.
type Cache interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Service keeps the Redis order-status cache in step with the lifecycle
// events. It is a read-model maintainer only; the ledger and the orders
// table stay authoritative.
type Service struct {
	Redis       Cache
	ServiceName string
	Logger      zerolog.Logger
}

// HandleOrderEvent is installed as the consumer handler for every order
// lifecycle topic.
func (s *Service) HandleOrderEvent(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}

	// dedup via Redis on event_id; replays are expected from at-least-once
	// delivery
	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	n, _ := s.Redis.Exists(ctx, dkey).Result()
	if n > 0 {
		return nil
	}

	var orderID string
	var status orders.Status
	switch env.EventType {
	case orders.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			return err
		}
		orderID, status = p.OrderID, orders.StatusCreated
	case orders.EventOrderPaid:
		p, err := kafkax.UnwrapPayload[orders.OrderPaidPayload](env.Payload)
		if err != nil {
			return err
		}
		orderID, status = p.OrderID, orders.StatusPaid
	case orders.EventOrderCancelled:
		p, err := kafkax.UnwrapPayload[orders.OrderCancelledPayload](env.Payload)
		if err != nil {
			return err
		}
		orderID, status = p.OrderID, orders.StatusCancelled
	default:
		return nil // ignore
	}

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	body, _ := json.Marshal(map[string]any{"status": status})
	if err := s.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err(); err != nil {
		s.Logger.Error().Err(err).Str("order_id", orderID).Msg("status cache write failed")
		return err
	}
	// marker goes in only once the write has landed, so a failed write is
	// redelivered instead of skipped as a duplicate
	_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	return nil
}
