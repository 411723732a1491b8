// Package kafka publishes subscription plan changes to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

const (
	// DefaultTopic receives every applied subscription record write
	DefaultTopic = "planmeter.plan_changes"

	defaultWriteTimeout = 10 * time.Second
)

// Config configures a Publisher
type Config struct {
	// Brokers lists the bootstrap brokers (required)
	Brokers []string

	// Topic is the destination topic (default: DefaultTopic)
	Topic string

	// WriteTimeout bounds a single publish (default: 10s)
	WriteTimeout time.Duration

	// Logger is an optional structured logger
	Logger planmeter.Logger
}

// messageWriter is the subset of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes billing.ChangeEvent messages keyed by user id, so every
// change of one user lands on the same partition in order.
type Publisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  planmeter.Logger
}

// NewPublisher creates a publisher backed by a kafka-go Writer
func NewPublisher(config Config) (*Publisher, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           config.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return newPublisher(writer, config), nil
}

func newPublisher(writer messageWriter, config Config) *Publisher {
	logger := config.Logger
	if logger == nil {
		logger = &planmeter.NoopLogger{}
	}
	timeout := config.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &Publisher{writer: writer, timeout: timeout, logger: logger}
}

// Publish writes one change event
func (p *Publisher) Publish(ctx context.Context, event billing.ChangeEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal change event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.UserID),
		Value: value,
		Time:  event.EventTimestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "provider", Value: []byte(event.Provider)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish plan change",
			planmeter.Field{Key: "user_id", Value: event.UserID},
			planmeter.Field{Key: "event_id", Value: event.EventID},
			planmeter.Field{Key: "error", Value: err.Error()},
		)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	p.logger.Debug("published plan change",
		planmeter.Field{Key: "user_id", Value: event.UserID},
		planmeter.Field{Key: "new_plan", Value: string(event.NewPlan)},
	)
	return nil
}

// Callback adapts the publisher to a billing.WebhookCallback
func (p *Publisher) Callback() billing.WebhookCallback {
	return p.Publish
}

// Close flushes pending messages and closes the writer
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	return nil
}
