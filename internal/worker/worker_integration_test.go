package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/runplane-io/runplane/internal/canonicalization"
	"github.com/runplane-io/runplane/internal/config"
	"github.com/runplane-io/runplane/internal/model"
	"github.com/runplane-io/runplane/internal/sink"
	"github.com/runplane-io/runplane/internal/storage"
)

func setupIntegration(t *testing.T) (*storage.RunStore, *Executor) {
	t.Helper()

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := storage.NewConnectionFromDB(testDB.Connection)

	store, err := storage.NewRunStore(conn)
	require.NoError(t, err)

	fileSink, err := sink.NewFileSink(t.TempDir())
	require.NoError(t, err)

	registry := model.NewDefaultRegistry(&model.Config{Models: map[string]model.ModelSettings{}})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &Config{
		LeaseTTL:          time.Minute,
		HeartbeatInterval: 100 * time.Millisecond,
		JobTimeout:        10 * time.Second,
		PollInterval:      100 * time.Millisecond,
		PollBatchSize:     10,
		MaxAttempts:       5,
	}

	return store, NewExecutor(store, fileSink, registry, logger, cfg, NewWorkerID())
}

func admitRun(t *testing.T, store *storage.RunStore, params string) *storage.Run {
	t.Helper()

	canonical, hash, err := canonicalization.CanonicalizeRaw(json.RawMessage(params))
	require.NoError(t, err)

	run, err := store.InsertRun(context.Background(), canonical, hash, "")
	require.NoError(t, err)

	return run
}

func TestExecuteEndToEndSuccess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, exec := setupIntegration(t)
	ctx := context.Background()

	run := admitRun(t, store, `{"model":"mock","duration":0.05}`)

	exec.Execute(ctx, run.ID)

	final, err := store.Get(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusSucceeded, final.Status)
	assert.Equal(t, 1, final.AttemptCount)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)
	require.NotNil(t, final.ResultRef)

	fileSink, err := sink.NewFileSink(t.TempDir())
	require.NoError(t, err)

	doc, err := fileSink.Get(ctx, *final.ResultRef)
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(doc, &result))
	assert.Contains(t, result, "accuracy")
	assert.Contains(t, result, "processed_items")
}

func TestExecuteEndToEndFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, exec := setupIntegration(t)
	ctx := context.Background()

	run := admitRun(t, store, `{"model":"mock","duration":0,"fail_probability":1}`)

	exec.Execute(ctx, run.ID)

	final, err := store.Get(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusFailed, final.Status)
	require.NotNil(t, final.LastError)
	assert.Contains(t, *final.LastError, "simulated failure")
	require.NotNil(t, final.FinishedAt)
}

func TestExecuteSecondWorkerDenied(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, exec := setupIntegration(t)
	ctx := context.Background()

	run := admitRun(t, store, `{"model":"mock","duration":0}`)

	// First worker takes and completes the run
	exec.Execute(ctx, run.ID)

	// A late hint for the same run is a no-op: the run is terminal
	exec.Execute(ctx, run.ID)

	final, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSucceeded, final.Status)
	assert.Equal(t, 1, final.AttemptCount)
}
