// Package sink forwards user stream events to Kafka.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"exlink/pkg/core"
	"exlink/pkg/metrics"
	"exlink/pkg/userstream"
)

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers      []string      `envconfig:"BROKERS" validate:"required,min=1"`
	Topic        string        `envconfig:"TOPIC" default:"exlink.userstream" validate:"required"`
	BatchSize    int           `envconfig:"BATCH_SIZE" default:"100" validate:"min=1"`
	BatchTimeout time.Duration `envconfig:"BATCH_TIMEOUT" default:"50ms"`
	// MaxAttempts bounds the writes of one batch before it is dropped.
	MaxAttempts uint `envconfig:"MAX_ATTEMPTS" default:"5" validate:"min=1"`
}

// NewWriter builds a kafka writer that partitions by event key.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
}

type Publisher struct {
	w           Writer
	topic       string
	batchSize   int
	maxAttempts uint
	minWait     time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Collectors
}

type Option func(*Publisher)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithRetryWait sets the first wait between failed writes.
func WithRetryWait(d time.Duration) Option {
	return func(p *Publisher) { p.minWait = d }
}

func NewPublisher(w Writer, cfg Config, opts ...Option) *Publisher {
	p := &Publisher{
		w:           w,
		topic:       cfg.Topic,
		batchSize:   max(cfg.BatchSize, 1),
		maxAttempts: max(cfg.MaxAttempts, 1),
		minWait:     100 * time.Millisecond,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func encode(ev core.Event) (kafka.Message, error) {
	value, err := sonic.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	return kafka.Message{
		Key:   []byte(ev.Key()),
		Value: value,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "exchange", Value: []byte(ev.Exchange)},
			{Key: "kind", Value: []byte(ev.Kind.String())},
		},
	}, nil
}

// Publish writes events as one batch, retrying with backoff.
func (p *Publisher) Publish(ctx context.Context, events ...core.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		msg, err := encode(ev)
		if err != nil {
			p.logger.Error().Err(err).Str("channel", ev.Channel).Msg("event skipped")
			p.metrics.AddSinkMessages(p.topic, "invalid", 1)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.minWait
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := p.w.WriteMessages(ctx, msgs...)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn().Err(err).Int("attempt", attempt).Int("messages", len(msgs)).Msg("kafka write failed")
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.maxAttempts))
	if err != nil {
		p.metrics.AddSinkMessages(p.topic, "error", len(msgs))
		return fmt.Errorf("publish %d events: %w", len(msgs), err)
	}
	p.metrics.AddSinkMessages(p.topic, "ok", len(msgs))
	return nil
}

// Run drains q until ctx is done. Events already queued are sent in batches
// of up to BatchSize; a batch that cannot be written is logged and dropped.
func (p *Publisher) Run(ctx context.Context, q *userstream.Queue) error {
	batch := make([]core.Event, 0, p.batchSize)
	for {
		ev, err := q.Pop(ctx)
		if err != nil {
			return err
		}
		batch = append(batch[:0], ev)
	fill:
		for len(batch) < p.batchSize {
			select {
			case ev := <-q.C():
				batch = append(batch, ev)
			default:
				break fill
			}
		}

		if err := p.Publish(ctx, batch...); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error().Err(err).Int("events", len(batch)).Msg("events lost")
		}
	}
}

func (p *Publisher) Close() error {
	return p.w.Close()
}
