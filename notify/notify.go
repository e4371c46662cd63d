// Package notify delivers the domain events the engine returns. The engine
// never publishes anything itself; handlers and the scheduler pass each
// result's events to a Publisher once the transaction has committed.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/warp/rosca-engine/rosca"
)

// Publisher defines the interface for event delivery.
type Publisher interface {
	Publish(ctx context.Context, events ...rosca.Event) error
	Close() error
}

// =============================================================================
// KAFKA
// =============================================================================

// KafkaPublisher writes each event as JSON to one topic, keyed by group id so
// a group's events stay ordered within a partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewKafkaPublisher connects a sync producer to brokers.
func NewKafkaPublisher(brokers []string, topic string, maxRetries int, logger *zap.Logger) (*KafkaPublisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = maxRetries
	saramaConfig.Producer.Retry.Backoff = 100 * time.Millisecond
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second
	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, topic, logger), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...rosca.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.Type, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(ev.GroupID),
			Value: sarama.ByteEncoder(value),
			Headers: []sarama.RecordHeader{
				{Key: []byte("event-type"), Value: []byte(ev.Type)},
			},
			Timestamp: ev.OccurredAt,
		})
	}

	if err := p.producer.SendMessages(msgs); err != nil {
		p.logger.Error("failed to publish events",
			zap.String("topic", p.topic),
			zap.Int("count", len(msgs)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to send events to topic %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			return fmt.Errorf("failed to close kafka producer: %w", err)
		}
	}
	return nil
}

// =============================================================================
// LOG
// =============================================================================

// LogPublisher writes events to the structured log. It is the default when
// Kafka is disabled.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, events ...rosca.Event) error {
	for _, ev := range events {
		fields := []zap.Field{
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.String("group_id", string(ev.GroupID)),
			zap.Int("cycle", ev.Cycle),
		}
		if ev.UserID != "" {
			fields = append(fields, zap.String("user_id", string(ev.UserID)))
		}
		if ev.Amount != nil {
			fields = append(fields, zap.Stringer("amount", ev.Amount))
		}
		if ev.Count > 0 {
			fields = append(fields, zap.Int("count", ev.Count))
		}
		p.logger.Info("event", fields...)
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events ...rosca.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...rosca.Event) error { return nil }
func (Nop) Close() error { return nil }

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = (*LogPublisher)(nil)
	_ Publisher = Multi(nil)
	_ Publisher = Nop{}
)
