package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/clock"
	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/queue"
)

// DeadLetterMessage is an emission that could not be published. It carries
// the events in wire form so they can be replayed as they are.
type DeadLetterMessage struct {
	ResourceType       domain.ResourceType `json:"resource_type"`
	ResourceExternalID string              `json:"resource_external_id"`
	EventType          string              `json:"event_type"`
	SourceEventID      int64               `json:"source_event_id"`
	Attempts           int                 `json:"attempts"`
	LastError          string              `json:"last_error,omitempty"`
	Error              string              `json:"error_message"`
	FailedAt           time.Time           `json:"failed_at"`
	Events             []json.RawMessage   `json:"events"`
}

// DeadLetterPublisher writes exhausted emissions to the dead-letter topic.
type DeadLetterPublisher struct {
	writer messageWriter
	topic  string
	clock  clock.Clock
	logger *zap.Logger
}

func NewDeadLetterPublisher(config ProducerConfig, clk clock.Clock, logger *zap.Logger) *DeadLetterPublisher {
	return newDeadLetterPublisher(newWriter(config), config.Topic, clk, logger)
}

func newDeadLetterPublisher(w messageWriter, topic string, clk clock.Clock, logger *zap.Logger) *DeadLetterPublisher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterPublisher{writer: w, topic: topic, clock: clk, logger: logger}
}

func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, item queue.Item, cause error) error {
	transition := item.Emission.Transition

	errorMsg := ""
	if cause != nil {
		errorMsg = cause.Error()
	}

	events := item.Emission.Events()
	dlq := DeadLetterMessage{
		ResourceType:       transition.ResourceType,
		ResourceExternalID: transition.ResourceExternalID,
		EventType:          transition.Kind.String(),
		SourceEventID:      transition.SourceEventID,
		Attempts:           item.Attempts,
		LastError:          item.LastError,
		Error:              errorMsg,
		FailedAt:           p.clock.Now(),
		Events:             make([]json.RawMessage, len(events)),
	}
	for i, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal dead-lettered event: %w", err)
		}
		dlq.Events[i] = raw
	}

	value, err := json.Marshal(dlq)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(transition.ResourceExternalID),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}

	p.logger.Info("emission published to dead-letter topic",
		zap.String("topic", p.topic),
		zap.String("resource_id", transition.ResourceExternalID),
		zap.String("event_type", transition.Kind.String()),
		zap.Int("attempts", item.Attempts),
	)
	return nil
}

func (p *DeadLetterPublisher) Close() error {
	return p.writer.Close()
}
