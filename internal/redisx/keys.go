package redisx

import "time"

const (
	// Fast-path dedup for payment confirmations: idem:payment:confirm:{correlation_id} -> order_id
	KeyIdemPaymentConfirm = "idem:payment:confirm:%s"

	// Cache status order: order_status:{order_id} -> {"status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
