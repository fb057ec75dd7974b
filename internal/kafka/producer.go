// Package kafka publishes ledger events and dead-lettered emissions to Kafka.
//
// Messages are keyed by resource external id and written through a hash
// balancer, so every event for one charge or refund lands on the same
// partition in the order it was published.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/event"
)

// Header keys set on every ledger message.
const (
	HeaderMessageID = "message_id"
	HeaderEventType = "event_type"
)

// ProducerConfig configures a Kafka writer.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// DefaultProducerConfig returns defaults for synchronous, fully acknowledged writes.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "ledger.events",
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(config ProducerConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: config.BatchTimeout,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
	}
}

// LedgerPublisher writes lifecycle events to the ledger topic.
type LedgerPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewLedgerPublisher(config ProducerConfig, logger *zap.Logger) *LedgerPublisher {
	return newLedgerPublisher(newWriter(config), config.Topic, logger)
}

func newLedgerPublisher(w messageWriter, topic string, logger *zap.Logger) *LedgerPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerPublisher{writer: w, topic: topic, logger: logger}
}

// Publish writes one event and waits for every in-sync replica to acknowledge it.
func (p *LedgerPublisher) Publish(ctx context.Context, ev event.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.ResourceExternalID),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(uuid.NewString())},
			{Key: HeaderEventType, Value: []byte(ev.Kind.String())},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("failed to write ledger event",
			zap.String("topic", p.topic),
			zap.String("event_type", ev.Kind.String()),
			zap.String("resource_id", ev.ResourceExternalID),
			zap.Error(err),
		)
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (p *LedgerPublisher) Close() error {
	return p.writer.Close()
}
