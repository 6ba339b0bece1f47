package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
)

// setupTestBroker starts a single-node Kafka container and returns its broker
// addresses.
func setupTestBroker(ctx context.Context, t *testing.T) []string {
	t.Helper()

	kafkaContainer, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafka.WithClusterID("runplane-test-cluster"),
	)
	require.NoError(t, err, "Failed to start kafka container")

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(kafkaContainer)
	})

	brokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err, "Failed to get broker addresses")
	require.NotEmpty(t, brokers)

	return brokers
}

func testQueueConfig(brokers []string, topic string) *Config {
	return &Config{
		Brokers:      brokers,
		Topic:        topic,
		Group:        "runplane-workers-test",
		WriteTimeout: 10 * time.Second,
		MaxWait:      time.Second,
	}
}

func TestHintRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	brokers := setupTestBroker(ctx, t)
	cfg := testQueueConfig(brokers, "runplane.runs.roundtrip")

	publisher, err := NewPublisher(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = publisher.Close()
	})

	consumer, err := NewConsumer(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = consumer.Close()
	})

	runID := uuid.New()
	require.NoError(t, publisher.Enqueue(ctx, runID))

	readCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	got, err := consumer.Next(readCtx)
	require.NoError(t, err)
	assert.Equal(t, runID, got)
}

func TestConsumerSkipsMalformedHint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	brokers := setupTestBroker(ctx, t)
	cfg := testQueueConfig(brokers, "runplane.runs.malformed")

	// Write a message that is not a run id, bypassing the publisher
	writer := &segkafka.Writer{
		Addr:                   segkafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		AllowAutoTopicCreation: true,
	}
	require.NoError(t, writer.WriteMessages(ctx, segkafka.Message{
		Key:   []byte("junk"),
		Value: []byte("not-a-run-id"),
	}))
	require.NoError(t, writer.Close())

	consumer, err := NewConsumer(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = consumer.Close()
	})

	readCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	_, err = consumer.Next(readCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedHint)

	// The bad message was committed on read, so a valid hint published
	// afterwards still comes through.
	publisher, err := NewPublisher(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = publisher.Close()
	})

	runID := uuid.New()
	require.NoError(t, publisher.Enqueue(ctx, runID))

	got, err := consumer.Next(readCtx)
	require.NoError(t, err)
	assert.Equal(t, runID, got)
}

func TestPublisherHealthCheck(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	brokers := setupTestBroker(ctx, t)
	cfg := testQueueConfig(brokers, "runplane.runs.health")

	publisher, err := NewPublisher(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = publisher.Close()
	})

	healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	assert.NoError(t, publisher.HealthCheck(healthCtx))
}

func TestPublisherHealthCheckUnreachableBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := testQueueConfig([]string{"localhost:1"}, "runplane.runs.unreachable")

	publisher, err := NewPublisher(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = publisher.Close()
	})

	healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, publisher.HealthCheck(healthCtx))
}
