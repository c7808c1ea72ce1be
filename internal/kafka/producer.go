package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer queues messages in memory and writes them from one goroutine, so Publish never
// blocks a request on the broker. Messages still queued at shutdown are flushed.
type Producer struct {
	w         messageWriter
	log       *zap.Logger
	inbox     chan kafka.Message
	closing   chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

func NewProducer(brokers []string, topic string, buf int, log *zap.Logger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}, buf, log)
}

func newProducer(w messageWriter, buf int, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{
		w:       w,
		log:     log.Named("kafka.producer"),
		inbox:   make(chan kafka.Message, buf),
		closing: make(chan struct{}),
		closeCh: make(chan struct{}),
	}
}

// Start runs the write loop until ctx is cancelled or Close is called.
func (p *Producer) Start(ctx context.Context) {
	p.startOnce.Do(func() { go p.loop(ctx) })
}

func (p *Producer) loop(ctx context.Context) {
	defer close(p.closeCh)
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		case <-ctx.Done():
			p.drain()
			return
		case <-p.closing:
			p.drain()
			return
		}
	}
}

func (p *Producer) drain() {
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			if err := p.w.Close(); err != nil {
				p.log.Warn("writer close failed", zap.Error(err))
			}
			return
		}
	}
}

func (p *Producer) write(m kafka.Message) {
	// the caller's request is long gone, so writes use their own deadline
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.log.Error("publish failed",
			zap.ByteString("key", m.Key),
			zap.Error(err),
		)
	}
}

// Publish enqueues a message. After Close it drops the message and logs a warning.
func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) {
	m := kafka.Message{
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
	select {
	case <-p.closing:
		p.log.Warn("publish after close", zap.ByteString("key", key))
		return
	default:
	}
	select {
	case <-p.closing:
		p.log.Warn("publish after close", zap.ByteString("key", key))
	case p.inbox <- m:
	}
}

// Close stops accepting messages and asks the loop to flush what is queued.
func (p *Producer) Close() {
	p.closeOnce.Do(func() { close(p.closing) })
}

// WaitClosed blocks until the loop has flushed and closed the writer.
func (p *Producer) WaitClosed() { <-p.closeCh }
