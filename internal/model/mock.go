package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	defaultMockDuration = 5.0 // seconds

	mockAccuracyBase   = 0.80
	mockAccuracySpread = 0.19
	mockItemsBase      = 1000
	mockItemsSpread    = 9000
)

// MockRunner simulates a model training run.
//
// It sleeps for the "duration" parameter (seconds), optionally fails with
// probability "fail_probability", and reports synthetic training metrics.
// Useful for exercising the full control plane without real workloads.
type MockRunner struct {
	// Defaults applied when the parameters omit the corresponding field.
	DefaultDuration        float64
	DefaultFailProbability float64
}

// NewMockRunner creates a mock runner with the given defaults.
// A zero duration default falls back to one second.
func NewMockRunner(defaultDuration, defaultFailProbability float64) *MockRunner {
	if defaultDuration <= 0 {
		defaultDuration = defaultMockDuration
	}

	return &MockRunner{
		DefaultDuration:        defaultDuration,
		DefaultFailProbability: defaultFailProbability,
	}
}

// Run simulates the workload and returns synthetic metrics.
//
// The sleep is interruptible: ctx cancellation (timeout, lease loss,
// shutdown) aborts the run with the context's error.
func (m *MockRunner) Run(ctx context.Context, params map[string]any) (map[string]any, error) {
	duration := floatParam(params, "duration", m.DefaultDuration)
	failProbability := floatParam(params, "fail_probability", m.DefaultFailProbability)

	select {
	case <-time.After(time.Duration(duration * float64(time.Second))):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if failProbability > 0 && rand.Float64() < failProbability {
		return nil, fmt.Errorf("%w: simulated failure", ErrRunFailed)
	}

	return map[string]any{
		"accuracy":           mockAccuracyBase + rand.Float64()*mockAccuracySpread,
		"processed_items":    mockItemsBase + rand.IntN(mockItemsSpread),
		"simulated_duration": duration,
	}, nil
}

// floatParam reads a numeric parameter, tolerating the json.Number values
// produced by canonical decoding.
func floatParam(params map[string]any, key string, fallback float64) float64 {
	v, ok := params[key]
	if !ok {
		return fallback
	}

	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return fallback
		}

		return f
	}

	return fallback
}
