// Package worker executes admitted runs under the lease protocol.
//
// A worker learns about work from two sources: queue hints and a periodic
// poll of runnable runs. Both funnel into the same executor, and the lease
// compare-and-swap in the run store is the only admission control, so
// duplicate or lost hints are harmless.
package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/runplane-io/runplane/internal/config"
)

const (
	defaultLeaseTTL          = 60 * time.Second
	defaultHeartbeatInterval = 20 * time.Second
	defaultJobTimeout        = 3600 * time.Second
	defaultPollInterval      = 15 * time.Second
	defaultMaxAttempts       = 5
	defaultPollBatchSize     = 10
)

var (
	// ErrInvalidLeaseTTL indicates the lease TTL is zero or negative.
	ErrInvalidLeaseTTL = errors.New("lease TTL must be positive")

	// ErrInvalidHeartbeatInterval indicates the heartbeat interval does not
	// leave renewal headroom before lease expiry.
	ErrInvalidHeartbeatInterval = errors.New("heartbeat interval must be positive and less than half the lease TTL")

	// ErrInvalidJobTimeout indicates the job timeout is zero or negative.
	ErrInvalidJobTimeout = errors.New("job timeout must be positive")

	// ErrInvalidPollInterval indicates the poll interval is zero or negative.
	ErrInvalidPollInterval = errors.New("poll interval must be positive")

	// ErrInvalidMaxAttempts indicates a negative max attempts value.
	ErrInvalidMaxAttempts = errors.New("max attempts cannot be negative")
)

// Config holds worker runtime configuration.
type Config struct {
	LeaseTTL          time.Duration // How long an acquired lease is valid
	HeartbeatInterval time.Duration // How often the lease is renewed mid-run
	JobTimeout        time.Duration // Upper bound on a single run attempt
	PollInterval      time.Duration // Runnable-run scan period (queue fallback)
	PollBatchSize     int           // Max runs fetched per poll
	MaxAttempts       int           // Attempt cap before a run fails permanently; 0 disables the cap
}

// LoadConfig loads worker configuration from environment variables with fallback to defaults.
//
// Durations are configured in whole seconds to match deployment manifests.
func LoadConfig() *Config {
	return &Config{
		LeaseTTL:          secondsEnv("LEASE_TTL_SECONDS", defaultLeaseTTL),
		HeartbeatInterval: secondsEnv("HEARTBEAT_INTERVAL_SECONDS", defaultHeartbeatInterval),
		JobTimeout:        secondsEnv("JOB_TIMEOUT_SECONDS", defaultJobTimeout),
		PollInterval:      secondsEnv("POLL_INTERVAL_SECONDS", defaultPollInterval),
		PollBatchSize:     config.GetEnvInt("POLL_BATCH_SIZE", defaultPollBatchSize),
		MaxAttempts:       config.GetEnvInt("MAX_ATTEMPTS", defaultMaxAttempts),
	}
}

// Validate checks if the worker configuration is valid.
func (c *Config) Validate() error {
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidLeaseTTL, c.LeaseTTL)
	}

	// A renewal must land well before expiry or every GC pause becomes a
	// spurious lease takeover.
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseTTL/2 {
		return fmt.Errorf("%w: interval %v, TTL %v", ErrInvalidHeartbeatInterval, c.HeartbeatInterval, c.LeaseTTL)
	}

	if c.JobTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidJobTimeout, c.JobTimeout)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidPollInterval, c.PollInterval)
	}

	if c.MaxAttempts < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxAttempts, c.MaxAttempts)
	}

	if c.PollBatchSize <= 0 {
		c.PollBatchSize = defaultPollBatchSize
	}

	return nil
}

func secondsEnv(key string, fallback time.Duration) time.Duration {
	return time.Duration(config.GetEnvInt(key, int(fallback/time.Second))) * time.Second
}
