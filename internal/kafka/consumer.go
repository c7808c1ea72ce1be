package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler returns nil only when the message is fully processed and its offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       messageReader
	workers int
	backoff time.Duration
	log     *zap.Logger
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // commits are synchronous, one per handled message
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r messageReader, workers int, log *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{r: r, workers: workers, backoff: 200 * time.Millisecond, log: log.Named("kafka.consumer")}
}

// Start fetches messages and hands them to a fixed pool of workers until ctx is cancelled.
// Every message of a partition goes to the same worker, which retries a failing handler with
// backoff until it succeeds. Offsets are therefore committed in order per partition and never
// past an unhandled message. A handler that never succeeds stalls its partition until shutdown,
// and the group redelivers from the last commit after a rebalance or restart.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer func() {
		if err := c.r.Close(); err != nil {
			c.log.Warn("reader close failed", zap.Error(err))
		}
	}()

	queues := make([]chan kafka.Message, c.workers)
	g, gctx := errgroup.WithContext(ctx)

	for i := range queues {
		queues[i] = make(chan kafka.Message, 4)
		g.Go(func() error {
			for m := range queues[i] {
				if !c.handle(gctx, h, m) {
					return nil
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			m, err := c.r.FetchMessage(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("r.FetchMessage: %w", err)
			}
			select {
			case queues[m.Partition%c.workers] <- m:
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handle runs h until it succeeds and commits m. It reports false when ctx ends first.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) bool {
	log := c.log.With(
		zap.String("topic", m.Topic),
		zap.Int("partition", m.Partition),
		zap.Int64("offset", m.Offset),
	)
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			break
		}
		log.Error("handler failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-time.After(c.backoff):
		case <-ctx.Done():
			return false
		}
	}
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		log.Error("commit failed", zap.Error(err))
	}
	return ctx.Err() == nil
}
