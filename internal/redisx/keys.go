package redisx

import "time"

const (
	// Idempotent order creation: idem:order:create:{idempotency key} -> response body, or
	// "pending" while the first request is still running.
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Order status cache: hash order_status:{order_id} with fields status and at (unix millis).
	KeyOrderStatus = "order_status:%d"

	// Event dedup: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLPending     = 30 * time.Second
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
