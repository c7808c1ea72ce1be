package redisx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Deduper remembers which events a consumer has already handled.
type Deduper struct {
	rdb     redis.Cmdable
	service string
	ttl     time.Duration
}

func NewDeduper(rdb redis.Cmdable, service string) *Deduper {
	return &Deduper{rdb: rdb, service: service, ttl: TTLDedup}
}

// Claim marks eventID as handled. It reports false when another delivery got there first.
func (d *Deduper) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.key(eventID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("rdb.SetNX: %w", err)
	}
	return ok, nil
}

// Release undoes Claim so a redelivery is handled again.
func (d *Deduper) Release(ctx context.Context, eventID string) error {
	if err := d.rdb.Del(ctx, d.key(eventID)).Err(); err != nil {
		return fmt.Errorf("rdb.Del: %w", err)
	}
	return nil
}

func (d *Deduper) key(eventID string) string { return fmt.Sprintf(KeyDedup, d.service, eventID) }

type CachedStatus struct {
	Status string
	At     time.Time
}

// applyStatus writes the status unless the cached one is at least as recent.
var applyStatus = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'at')
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Scripter is what the status cache needs from a client; *redis.Client satisfies it.
type Scripter interface {
	redis.Cmdable
	redis.Scripter
}

type StatusCache struct {
	rdb Scripter
	ttl time.Duration
}

func NewStatusCache(rdb Scripter) *StatusCache {
	return &StatusCache{rdb: rdb, ttl: TTLStatusCache}
}

// Apply caches status for the order if at is newer than what is cached, and reports whether it
// did. Events handled out of order therefore never roll the cache back.
func (c *StatusCache) Apply(ctx context.Context, orderID int64, status string, at time.Time) (bool, error) {
	n, err := applyStatus.Run(ctx, c.rdb,
		[]string{fmt.Sprintf(KeyOrderStatus, orderID)},
		status, at.UnixMilli(), c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("applyStatus.Run: %w", err)
	}
	return n == 1, nil
}

func (c *StatusCache) Get(ctx context.Context, orderID int64) (CachedStatus, bool, error) {
	vals, err := c.rdb.HGetAll(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if err != nil {
		return CachedStatus{}, false, fmt.Errorf("rdb.HGetAll: %w", err)
	}
	if vals["status"] == "" {
		return CachedStatus{}, false, nil
	}
	ms, err := strconv.ParseInt(vals["at"], 10, 64)
	if err != nil {
		return CachedStatus{}, false, nil
	}
	return CachedStatus{Status: vals["status"], At: time.UnixMilli(ms).UTC()}, true, nil
}

const pending = "pending"

// ErrInFlight means another request with the same idempotency key has not finished yet.
var ErrInFlight = errors.New("redisx: request with this idempotency key is in flight")

// Idempotency stores the response of a request under the client's idempotency key, so a retry
// gets the same answer instead of a second order.
type Idempotency struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewIdempotency(rdb redis.Cmdable) *Idempotency {
	return &Idempotency{rdb: rdb, ttl: TTLIdempotency}
}

// Begin claims key. It returns (nil, nil) when the caller owns the key and must call Finish or
// Abort, the stored response when the key was already used, and ErrInFlight when the first
// request is still running.
func (i *Idempotency) Begin(ctx context.Context, key string) ([]byte, error) {
	k := fmt.Sprintf(KeyIdemOrderCreate, key)
	ok, err := i.rdb.SetNX(ctx, k, pending, TTLPending).Result()
	if err != nil {
		return nil, fmt.Errorf("rdb.SetNX: %w", err)
	}
	if ok {
		return nil, nil
	}
	v, err := i.rdb.Get(ctx, k).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		// expired between the two calls
		return nil, ErrInFlight
	case err != nil:
		return nil, fmt.Errorf("rdb.Get: %w", err)
	case string(v) == pending:
		return nil, ErrInFlight
	}
	return v, nil
}

func (i *Idempotency) Finish(ctx context.Context, key string, response []byte) error {
	if err := i.rdb.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, key), response, i.ttl).Err(); err != nil {
		return fmt.Errorf("rdb.Set: %w", err)
	}
	return nil
}

// Abort releases a key whose request failed, so the client may retry with it.
func (i *Idempotency) Abort(ctx context.Context, key string) error {
	if err := i.rdb.Del(ctx, fmt.Sprintf(KeyIdemOrderCreate, key)).Err(); err != nil {
		return fmt.Errorf("rdb.Del: %w", err)
	}
	return nil
}
