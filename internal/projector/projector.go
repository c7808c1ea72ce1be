// Package projector keeps the order status cache in step with the order event stream.
package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-shop-orders/internal/metrics"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

// Deduper is satisfied by *redisx.Deduper.
type Deduper interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// StatusCache is satisfied by *redisx.StatusCache.
type StatusCache interface {
	Apply(ctx context.Context, orderID int64, status string, at time.Time) (bool, error)
}

const (
	resultApplied   = "applied"
	resultStale     = "stale"
	resultDuplicate = "duplicate"
	resultIgnored   = "ignored"
	resultMalformed = "malformed"
	resultFailed    = "failed"
)

type Projector struct {
	dedup   Deduper
	cache   StatusCache
	metrics *metrics.Projector
	log     *zap.Logger
}

func New(dedup Deduper, cache StatusCache, m *metrics.Projector, log *zap.Logger) *Projector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Projector{dedup: dedup, cache: cache, metrics: m, log: log.Named("projector")}
}

// Handle is a kafka.Handler. Malformed and unknown events are logged and skipped so they do not
// block the partition; a failing cache write is returned so the message is redelivered.
func (p *Projector) Handle(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		p.log.Warn("malformed envelope", zap.Int64("offset", m.Offset), zap.Error(err))
		p.metrics.Observe("unknown", resultMalformed)
		return nil
	}
	log := p.log.With(
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType),
		zap.String("trace_id", env.TraceID),
	)

	if env.EventVersion != orders.EventVersion {
		log.Debug("unsupported event version", zap.Int("event_version", env.EventVersion))
		p.metrics.Observe(env.EventType, resultIgnored)
		return nil
	}
	update, err := orders.StatusOf(env)
	if err != nil {
		log.Warn("malformed payload", zap.Error(err))
		p.metrics.Observe(env.EventType, resultMalformed)
		return nil
	}
	if update.OrderID == 0 {
		p.metrics.Observe(env.EventType, resultIgnored)
		return nil
	}

	first, err := p.dedup.Claim(ctx, env.EventID)
	if err != nil {
		p.metrics.Observe(env.EventType, resultFailed)
		return fmt.Errorf("dedup.Claim: %w", err)
	}
	if !first {
		log.Debug("duplicate event")
		p.metrics.Observe(env.EventType, resultDuplicate)
		return nil
	}

	applied, err := p.cache.Apply(ctx, update.OrderID, string(update.Status), update.UpdatedAt)
	if err != nil {
		if rerr := p.dedup.Release(context.WithoutCancel(ctx), env.EventID); rerr != nil {
			log.Warn("dedup release failed", zap.Error(rerr))
		}
		p.metrics.Observe(env.EventType, resultFailed)
		return fmt.Errorf("cache.Apply: %w", err)
	}

	result := resultApplied
	if !applied {
		result = resultStale
	}
	log.Info("status projected",
		zap.Int64("order_id", update.OrderID),
		zap.String("status", string(update.Status)),
		zap.String("result", result),
	)
	p.metrics.Observe(env.EventType, result)
	return nil
}
