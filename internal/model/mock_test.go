package model

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockRunnerProducesMetrics(t *testing.T) {
	runner := NewMockRunner(0, 0)

	result, err := runner.Run(context.Background(), map[string]any{
		"duration": json.Number("0.01"),
	})
	require.NoError(t, err)

	accuracy, ok := result["accuracy"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, accuracy, 0.80)
	assert.Less(t, accuracy, 1.0)

	items, ok := result["processed_items"].(int)
	require.True(t, ok)
	assert.GreaterOrEqual(t, items, 1000)

	assert.InDelta(t, 0.01, result["simulated_duration"], 1e-9)
}

func TestMockRunnerAlwaysFails(t *testing.T) {
	runner := NewMockRunner(0, 0)

	_, err := runner.Run(context.Background(), map[string]any{
		"duration":         json.Number("0"),
		"fail_probability": json.Number("1"),
	})
	require.ErrorIs(t, err, ErrRunFailed)
}

func TestMockRunnerHonorsCancellation(t *testing.T) {
	runner := NewMockRunner(0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := runner.Run(ctx, map[string]any{"duration": json.Number("10")})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFloatParam(t *testing.T) {
	params := map[string]any{
		"f":   1.5,
		"i":   2,
		"n":   json.Number("3.25"),
		"bad": "text",
	}

	assert.InDelta(t, 1.5, floatParam(params, "f", 0), 1e-9)
	assert.InDelta(t, 2.0, floatParam(params, "i", 0), 1e-9)
	assert.InDelta(t, 3.25, floatParam(params, "n", 0), 1e-9)
	assert.InDelta(t, 9.0, floatParam(params, "bad", 9), 1e-9)
	assert.InDelta(t, 9.0, floatParam(params, "missing", 9), 1e-9)
}
