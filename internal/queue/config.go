// Package queue provides the best-effort hint channel between admission and
// workers, backed by Kafka.
//
// A queue message is only ever a hint that "run R should be attempted".
// Messages may be lost, duplicated, or reordered; workers perform their own
// admission via lease acquisition and the polling fallback guarantees
// liveness when hints are dropped. The queue is never the system of record.
package queue

import (
	"errors"
	"time"

	"github.com/runplane-io/runplane/internal/config"
)

const (
	defaultBrokers      = "localhost:9092"
	defaultTopic        = "runplane.runs"
	defaultGroup        = "runplane-workers"
	defaultWriteTimeout = 10 * time.Second
	defaultMaxWait      = 3 * time.Second
)

var (
	// ErrNoBrokers is returned when no Kafka brokers are configured.
	ErrNoBrokers = errors.New("queue brokers cannot be empty")

	// ErrEmptyTopic is returned when the queue topic is empty.
	ErrEmptyTopic = errors.New("queue topic cannot be empty")
)

// Config holds Kafka connection configuration for the hint queue.
type Config struct {
	Brokers      []string      // Broker addresses (host:port)
	Topic        string        // Topic carrying run-id hints
	Group        string        // Consumer group for workers
	WriteTimeout time.Duration // Producer write timeout
	MaxWait      time.Duration // Max consumer poll wait
}

// LoadConfig loads queue configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("QUEUE_URL", defaultBrokers)),
		Topic:        config.GetEnvStr("QUEUE_TOPIC", defaultTopic),
		Group:        config.GetEnvStr("QUEUE_GROUP", defaultGroup),
		WriteTimeout: config.GetEnvDuration("QUEUE_WRITE_TIMEOUT", defaultWriteTimeout),
		MaxWait:      config.GetEnvDuration("QUEUE_MAX_WAIT", defaultMaxWait),
	}
}

// Validate checks if the queue configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if c.Topic == "" {
		return ErrEmptyTopic
	}

	return nil
}
