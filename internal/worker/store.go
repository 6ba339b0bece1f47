package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/runplane-io/runplane/internal/storage"
)

// Store is the persistence surface the worker depends on.
// *storage.RunStore satisfies it; tests substitute stubs.
type Store interface {
	// Get returns the run with the given id, or storage.ErrRunNotFound.
	Get(ctx context.Context, id uuid.UUID) (*storage.Run, error)

	// TryAcquireLease attempts the compare-and-swap lease acquisition.
	TryAcquireLease(ctx context.Context, id uuid.UUID, workerID string, ttl time.Duration) (bool, error)

	// TryRenewLease extends the lease for the current owner.
	TryRenewLease(ctx context.Context, id uuid.UUID, workerID string, ttl time.Duration) (bool, error)

	// FinalizeSuccess transitions the run to SUCCEEDED, conditional on ownership.
	FinalizeSuccess(ctx context.Context, id uuid.UUID, workerID string, resultRef string) (bool, error)

	// FinalizeFailure transitions the run to FAILED, conditional on ownership.
	FinalizeFailure(ctx context.Context, id uuid.UUID, workerID string, errMsg string) (bool, error)

	// MarkAttemptsExhausted fails a reclaimable run at the attempt cap.
	MarkAttemptsExhausted(ctx context.Context, id uuid.UUID, maxAttempts int) (bool, error)

	// ListRunnable returns ids of runs available for acquisition.
	ListRunnable(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// Sink persists run results. *sink.FileSink satisfies it.
type Sink interface {
	Put(ctx context.Context, runID uuid.UUID, result map[string]any) (string, error)
}

// HintSource delivers run-id hints. *queue.Consumer satisfies it.
type HintSource interface {
	Next(ctx context.Context) (uuid.UUID, error)
}
