package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/runplane-io/runplane/internal/config"
)

// Publisher emits run-id hints after admission commits.
//
// Enqueue is strictly best-effort: a failure is logged by the caller and never
// fails the admission response, because the run row already exists and the
// worker poll loop will find it.
type Publisher struct {
	writer  *kafka.Writer
	brokers []string
	logger  *slog.Logger
}

// NewPublisher creates a Kafka-backed hint publisher.
func NewPublisher(cfg *Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
		// Hints for the same run land on the same partition, which keeps
		// redundant deliveries roughly ordered without promising anything.
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}

	return &Publisher{
		writer:  writer,
		brokers: cfg.Brokers,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Enqueue publishes a hint that the run should be attempted.
func (p *Publisher) Enqueue(ctx context.Context, runID uuid.UUID) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(runID.String()),
		Value: []byte(runID.String()),
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue run hint: %w", err)
	}

	p.logger.Debug("run hint enqueued", slog.String("run_id", runID.String()))

	return nil
}

// HealthCheck verifies at least one broker is reachable.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial queue broker: %w", err)
	}

	return conn.Close()
}

// Close flushes pending messages and releases the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
