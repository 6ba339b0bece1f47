package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/runplane-io/runplane/internal/canonicalization"
	"github.com/runplane-io/runplane/internal/config"
)

const testLeaseTTL = time.Minute

// newTestStore spins up a migrated postgres container and returns a RunStore
// bound to it. Cleanup is registered on t.
func newTestStore(ctx context.Context, t *testing.T) *RunStore {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store, err := NewRunStore(NewConnectionFromDB(testDB.Connection))
	require.NoError(t, err)

	return store
}

func insertTestRun(ctx context.Context, t *testing.T, store *RunStore, hash string) *Run {
	t.Helper()

	run, err := store.InsertRun(ctx, json.RawMessage(`{"model":"test"}`), hash, "")
	require.NoError(t, err)

	return run
}

func TestNewRunStoreRequiresConnection(t *testing.T) {
	_, err := NewRunStore(nil)
	assert.ErrorIs(t, err, ErrNoDatabaseConnection)
}

func TestRunStoreInsertAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)

	params := json.RawMessage(`{"model":"test","x":1}`)

	run, err := store.InsertRun(ctx, params, "hash-insert", "")
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.Equal(t, StatusPending, run.Status)
	assert.Equal(t, "hash-insert", run.PayloadHash)
	assert.JSONEq(t, string(params), string(run.Parameters))
	assert.Zero(t, run.AttemptCount)
	assert.False(t, run.CreatedAt.IsZero())

	// PENDING implies no lease, no started_at, no outputs.
	assert.Nil(t, run.StartedAt)
	assert.Nil(t, run.FinishedAt)
	assert.Nil(t, run.LeaseOwner)
	assert.Nil(t, run.LeaseExpiresAt)
	assert.Nil(t, run.ResultRef)
	assert.Nil(t, run.LastError)

	fetched, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, fetched.ID)
	assert.Equal(t, StatusPending, fetched.Status)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestParametersStoredByteIdentical(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)

	// The parameters column must hand back the exact canonical bytes the
	// payload hash was computed over: key order, number literals, and UTF-8
	// untouched by the database.
	canonical, hash, err := canonicalization.CanonicalizeRaw(
		json.RawMessage(`{"z": 1.0, "a": "héllo", "nested": {"b": 2, "a": 1}}`))
	require.NoError(t, err)

	run, err := store.InsertRun(ctx, canonical, hash, "")
	require.NoError(t, err)

	fetched, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(canonical), string(fetched.Parameters))
}

func TestIdempotencyKeyBinding(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)

	run, err := store.InsertRun(ctx, json.RawMessage(`{"x":"A"}`), "hash-key", "client-key-1")
	require.NoError(t, err)

	boundID, err := store.FindByIdempotencyKey(ctx, "client-key-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, boundID)

	// A second insert racing on the same key loses and nothing is committed.
	_, err = store.InsertRun(ctx, json.RawMessage(`{"x":"B"}`), "hash-key-2", "client-key-1")
	assert.ErrorIs(t, err, ErrIdempotencyKeyConflict)

	_, err = store.FindActiveByHash(ctx, "hash-key-2")
	assert.ErrorIs(t, err, ErrRunNotFound, "losing insert must roll back the run row")

	// Binding is immutable: once written it keeps pointing at the winner.
	boundID, err = store.FindByIdempotencyKey(ctx, "client-key-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, boundID)

	other := insertTestRun(ctx, t, store, "hash-other")
	assert.ErrorIs(t, store.BindIdempotencyKey(ctx, "client-key-1", other.ID), ErrIdempotencyKeyConflict)

	_, err = store.FindByIdempotencyKey(ctx, "unbound-key")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestFindActiveByHash(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)

	_, err := store.FindActiveByHash(ctx, "hash-active")
	assert.ErrorIs(t, err, ErrRunNotFound)

	first := insertTestRun(ctx, t, store, "hash-active")
	second := insertTestRun(ctx, t, store, "hash-active")

	// Earliest created_at wins when duplicates raced in.
	found, err := store.FindActiveByHash(ctx, "hash-active")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	// RUNNING still counts as active.
	acquired, err := store.TryAcquireLease(ctx, first.ID, "worker-a", testLeaseTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	found, err = store.FindActiveByHash(ctx, "hash-active")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	// Terminal runs stop matching.
	finalized, err := store.FinalizeSuccess(ctx, first.ID, "worker-a", "ref-1")
	require.NoError(t, err)
	require.True(t, finalized)

	found, err = store.FindActiveByHash(ctx, "hash-active")
	require.NoError(t, err)
	assert.Equal(t, second.ID, found.ID)
}

func TestTryAcquireLease(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)
	run := insertTestRun(ctx, t, store, "hash-lease")

	acquired, err := store.TryAcquireLease(ctx, run.ID, "worker-a", testLeaseTTL)
	require.NoError(t, err)
	assert.True(t, acquired)

	leased, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, leased.Status)
	assert.Equal(t, 1, leased.AttemptCount)
	require.NotNil(t, leased.LeaseOwner)
	assert.Equal(t, "worker-a", *leased.LeaseOwner)
	require.NotNil(t, leased.LeaseExpiresAt)
	require.NotNil(t, leased.StartedAt)
	assert.False(t, leased.StartedAt.Before(leased.CreatedAt), "created_at <= started_at")

	// A fresh lease excludes every other worker.
	acquired, err = store.TryAcquireLease(ctx, run.ID, "worker-b", testLeaseTTL)
	require.NoError(t, err)
	assert.False(t, acquired)

	// Unknown run acquires nothing.
	acquired, err = store.TryAcquireLease(ctx, uuid.New(), "worker-a", testLeaseTTL)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestAtMostOneLeaseWinner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)
	run := insertTestRun(ctx, t, store, "hash-contention")

	const workers = 10

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		workerID := "worker-" + uuid.NewString()

		go func() {
			defer wg.Done()

			acquired, err := store.TryAcquireLease(ctx, run.ID, workerID, testLeaseTTL)
			assert.NoError(t, err)

			if acquired {
				mu.Lock()
				winners = append(winners, workerID)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Len(t, winners, 1, "exactly one worker must win the lease")

	leased, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, leased.AttemptCount)
	require.NotNil(t, leased.LeaseOwner)
	assert.Equal(t, winners[0], *leased.LeaseOwner)
}

func TestLeaseReclamationAfterExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)
	run := insertTestRun(ctx, t, store, "hash-reclaim")

	// Acquire with a zero TTL so the lease is expired by the next statement.
	acquired, err := store.TryAcquireLease(ctx, run.ID, "worker-crashed", 0)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(50 * time.Millisecond)

	// The crashed worker never renews; a second worker reclaims.
	acquired, err = store.TryAcquireLease(ctx, run.ID, "worker-recover", testLeaseTTL)
	require.NoError(t, err)
	assert.True(t, acquired)

	reclaimed, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed.AttemptCount, "each acquisition increments attempt_count by one")
	require.NotNil(t, reclaimed.LeaseOwner)
	assert.Equal(t, "worker-recover", *reclaimed.LeaseOwner)

	// The old owner can no longer renew.
	renewed, err := store.TryRenewLease(ctx, run.ID, "worker-crashed", testLeaseTTL)
	require.NoError(t, err)
	assert.False(t, renewed)

	// The new owner completes the run.
	finalized, err := store.FinalizeSuccess(ctx, run.ID, "worker-recover", "ref-reclaim")
	require.NoError(t, err)
	assert.True(t, finalized)
}

func TestTryRenewLease(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)
	run := insertTestRun(ctx, t, store, "hash-renew")

	// Renewal without a lease is refused.
	renewed, err := store.TryRenewLease(ctx, run.ID, "worker-a", testLeaseTTL)
	require.NoError(t, err)
	assert.False(t, renewed)

	acquired, err := store.TryAcquireLease(ctx, run.ID, "worker-a", testLeaseTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	before, err := store.Get(ctx, run.ID)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	renewed, err = store.TryRenewLease(ctx, run.ID, "worker-a", testLeaseTTL)
	require.NoError(t, err)
	assert.True(t, renewed)

	after, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, after.LeaseExpiresAt.After(*before.LeaseExpiresAt), "renewal extends the lease")
	assert.Equal(t, 1, after.AttemptCount, "renewal does not count as an attempt")

	// Only the owner renews.
	renewed, err = store.TryRenewLease(ctx, run.ID, "worker-b", testLeaseTTL)
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestFinalizeSuccess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)
	run := insertTestRun(ctx, t, store, "hash-success")

	// Finalizing without owning the lease is a no-op.
	finalized, err := store.FinalizeSuccess(ctx, run.ID, "worker-a", "ref-early")
	require.NoError(t, err)
	assert.False(t, finalized)

	acquired, err := store.TryAcquireLease(ctx, run.ID, "worker-a", testLeaseTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	// A non-owner cannot finalize.
	finalized, err = store.FinalizeSuccess(ctx, run.ID, "worker-b", "ref-stolen")
	require.NoError(t, err)
	assert.False(t, finalized)

	finalized, err = store.FinalizeSuccess(ctx, run.ID, "worker-a", "ref-ok")
	require.NoError(t, err)
	assert.True(t, finalized)

	done, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	require.NotNil(t, done.ResultRef)
	assert.Equal(t, "ref-ok", *done.ResultRef)
	require.NotNil(t, done.FinishedAt)
	assert.False(t, done.FinishedAt.Before(*done.StartedAt), "started_at <= finished_at")
}

func TestFinalizeFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)
	run := insertTestRun(ctx, t, store, "hash-failure")

	acquired, err := store.TryAcquireLease(ctx, run.ID, "worker-a", testLeaseTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	finalized, err := store.FinalizeFailure(ctx, run.ID, "worker-a", "model exploded")
	require.NoError(t, err)
	assert.True(t, finalized)

	failed, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "model exploded", *failed.LastError)
	require.NotNil(t, failed.FinishedAt)
	assert.Nil(t, failed.ResultRef)
}

func TestTerminalMonotonicity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)
	run := insertTestRun(ctx, t, store, "hash-terminal")

	acquired, err := store.TryAcquireLease(ctx, run.ID, "worker-a", testLeaseTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	finalized, err := store.FinalizeSuccess(ctx, run.ID, "worker-a", "ref-final")
	require.NoError(t, err)
	require.True(t, finalized)

	terminal, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, terminal.Status.Terminal())

	// No lease-based transition may touch a terminal run.
	acquired, err = store.TryAcquireLease(ctx, run.ID, "worker-b", testLeaseTTL)
	require.NoError(t, err)
	assert.False(t, acquired)

	renewed, err := store.TryRenewLease(ctx, run.ID, "worker-a", testLeaseTTL)
	require.NoError(t, err)
	assert.False(t, renewed)

	finalized, err = store.FinalizeFailure(ctx, run.ID, "worker-a", "too late")
	require.NoError(t, err)
	assert.False(t, finalized)

	// Even the unconditional form refuses terminal rows.
	require.NoError(t, store.MarkFailed(ctx, run.ID, "catastrophe"))

	after, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, after.Status)
	assert.Equal(t, terminal.FinishedAt.UTC(), after.FinishedAt.UTC(), "finished_at never moves")
}

func TestMarkFailed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)
	run := insertTestRun(ctx, t, store, "hash-mark-failed")

	require.NoError(t, store.MarkFailed(ctx, run.ID, "worker process lost"))

	failed, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "worker process lost", *failed.LastError)
}

func TestMarkAttemptsExhausted(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)
	run := insertTestRun(ctx, t, store, "hash-exhausted")

	// Fresh run is below any cap.
	exhausted, err := store.MarkAttemptsExhausted(ctx, run.ID, 3)
	require.NoError(t, err)
	assert.False(t, exhausted)

	// Burn through three failed attempts with instantly expiring leases.
	for i := 0; i < 3; i++ {
		acquired, acquireErr := store.TryAcquireLease(ctx, run.ID, "worker-flaky", 0)
		require.NoError(t, acquireErr)
		require.True(t, acquired)

		time.Sleep(20 * time.Millisecond)
	}

	exhausted, err = store.MarkAttemptsExhausted(ctx, run.ID, 3)
	require.NoError(t, err)
	assert.True(t, exhausted)

	failed, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "attempts exhausted", *failed.LastError)
}

func TestListRunnable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)

	pending := insertTestRun(ctx, t, store, "hash-runnable-pending")
	fresh := insertTestRun(ctx, t, store, "hash-runnable-fresh")
	stale := insertTestRun(ctx, t, store, "hash-runnable-stale")
	done := insertTestRun(ctx, t, store, "hash-runnable-done")

	acquired, err := store.TryAcquireLease(ctx, fresh.ID, "worker-live", testLeaseTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = store.TryAcquireLease(ctx, stale.ID, "worker-dead", 0)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = store.TryAcquireLease(ctx, done.ID, "worker-fast", testLeaseTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	finalized, err := store.FinalizeSuccess(ctx, done.ID, "worker-fast", "ref-done")
	require.NoError(t, err)
	require.True(t, finalized)

	time.Sleep(50 * time.Millisecond)

	ids, err := store.ListRunnable(ctx, 10)
	require.NoError(t, err)

	assert.Contains(t, ids, pending.ID, "PENDING runs are runnable")
	assert.Contains(t, ids, stale.ID, "stale RUNNING leases are runnable")
	assert.NotContains(t, ids, fresh.ID, "held leases are not runnable")
	assert.NotContains(t, ids, done.ID, "terminal runs are not runnable")
}
