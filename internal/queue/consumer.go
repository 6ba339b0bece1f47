package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// ErrMalformedHint is returned when a queue message does not carry a run id.
// Callers skip the message; the polling fallback covers the run regardless.
var ErrMalformedHint = errors.New("malformed run hint")

// Consumer delivers run-id hints to a worker.
//
// Offsets are committed on read, before the run executes. That is deliberate:
// delivery is at-least-once overall (hint plus poll loop) and execution
// exclusivity comes from lease acquisition, not from queue semantics.
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer creates a Kafka-backed hint consumer in the worker group.
func NewConsumer(cfg *Config) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.Group,
		Topic:   cfg.Topic,
		MaxWait: cfg.MaxWait,
	})

	return &Consumer{reader: reader}, nil
}

// Next blocks until a hint arrives or the context is cancelled, and returns
// the hinted run id. Returns ErrMalformedHint for undecodable payloads.
func (c *Consumer) Next(ctx context.Context) (uuid.UUID, error) {
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to read run hint: %w", err)
	}

	runID, err := uuid.Parse(string(msg.Value))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrMalformedHint, string(msg.Value))
	}

	return runID, nil
}

// Close releases the reader and leaves the consumer group.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
