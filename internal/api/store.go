// Package api provides the HTTP API server for the Runplane service.
package api

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/runplane-io/runplane/internal/storage"
)

type (
	// RunStore is the persistence surface the API server depends on.
	// *storage.RunStore satisfies it; tests substitute stubs.
	RunStore interface {
		// InsertRun creates a PENDING run, binding idempotencyKey when non-empty.
		// Returns storage.ErrIdempotencyKeyConflict when a concurrent admission
		// bound the key first.
		InsertRun(
			ctx context.Context,
			parameters json.RawMessage,
			payloadHash string,
			idempotencyKey string,
		) (*storage.Run, error)

		// Get returns the run with the given id, or storage.ErrRunNotFound.
		Get(ctx context.Context, id uuid.UUID) (*storage.Run, error)

		// FindActiveByHash returns the oldest PENDING or RUNNING run with the
		// given payload hash, or storage.ErrRunNotFound.
		FindActiveByHash(ctx context.Context, payloadHash string) (*storage.Run, error)

		// FindByIdempotencyKey returns the run id bound to the key, or
		// storage.ErrRunNotFound.
		FindByIdempotencyKey(ctx context.Context, key string) (uuid.UUID, error)

		// HealthCheck verifies the store's backing database is reachable.
		HealthCheck(ctx context.Context) error
	}

	// Enqueuer publishes best-effort run hints after admission commits.
	// *queue.Publisher satisfies it; tests substitute stubs.
	Enqueuer interface {
		Enqueue(ctx context.Context, runID uuid.UUID) error
		HealthCheck(ctx context.Context) error
	}

	// ResultReader fetches completed run results by reference.
	// *sink.FileSink satisfies it; tests substitute stubs.
	ResultReader interface {
		Get(ctx context.Context, ref string) (json.RawMessage, error)
	}
)
