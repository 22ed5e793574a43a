package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event types emitted by the gateway.
const (
	TypeLoginSucceeded   = "login.succeeded"
	TypeLoginFailed      = "login.failed"
	TypeRefreshSucceeded = "session.refreshed"
	TypeRefreshFailed    = "session.refresh_failed"
	TypeLogout           = "session.logout"
)

// Event is an authentication lifecycle record. It never carries tokens.
type Event struct {
	Type    string    `json:"type"`
	Subject string    `json:"sub,omitempty"`
	Mode    string    `json:"mode"`
	Reason  string    `json:"reason,omitempty"`
	Time    time.Time `json:"time"`
}

// Publisher delivers events. Implementations must not block the request path
// on broker round trips.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Writer is the subset of *kafka.Writer used by KafkaPublisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by subject.
type KafkaPublisher struct {
	writer Writer
	logger *slog.Logger
}

// NewKafkaPublisher builds an async writer for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka broker address not provided")
	}
	if topic == "" {
		return nil, errors.New("kafka topic not provided")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("event delivery failed", "count", len(messages), "error", err)
			}
		},
	}
	return NewKafkaPublisherWithWriter(w, logger), nil
}

// NewKafkaPublisherWithWriter wraps an existing writer. Tests pass a fake.
func NewKafkaPublisherWithWriter(w Writer, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, logger: logger}
}

// Publish encodes and enqueues the event.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Subject),
		Value: payload,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher records events through slog. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a publisher backed by the logger.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event at debug level.
func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Debug("auth_event", "type", ev.Type, "sub", ev.Subject, "mode", ev.Mode, "reason", ev.Reason)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }
