package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/runplane-io/runplane/internal/config"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// runColumns is the canonical column list for scanning run rows.
const runColumns = `id, status, parameters, payload_hash, created_at, started_at,
	finished_at, attempt_count, lease_owner, lease_expires_at, result_ref, last_error`

// RunStore implements the durable run record with a PostgreSQL backend.
//
// Lease operations are row-level conditional updates; the WHERE clause is the
// admission condition and RowsAffected is the verdict. No advisory locks are
// used anywhere.
type RunStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRunStore creates a PostgreSQL-backed run store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewRunStore(conn *Connection) (*RunStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RunStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *RunStore) HealthCheck(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// InsertRun creates a PENDING run and, when idempotencyKey is non-empty,
// binds the key to the new run in the same transaction.
//
// Returns ErrIdempotencyKeyConflict if a concurrent admission bound the key
// first; the caller re-reads the binding and returns the winner. Timestamps
// come from the database clock so invariants hold across processes.
func (s *RunStore) InsertRun(
	ctx context.Context,
	parameters json.RawMessage,
	payloadHash string,
	idempotencyKey string,
) (*Run, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback() // No-op after commit
	}()

	id := uuid.New()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO runs (id, status, parameters, payload_hash)
		VALUES ($1, 'PENDING', $2, $3)
		RETURNING `+runColumns,
		// Sent as text, not bytea, so the database casts it to json directly
		id, string(parameters), payloadHash,
	)

	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}

	if idempotencyKey != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (key, run_id)
			VALUES ($1, $2)`,
			idempotencyKey, id,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrIdempotencyKeyConflict
			}

			return nil, fmt.Errorf("failed to bind idempotency key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run insert: %w", err)
	}

	return run, nil
}

// Get returns the run with the given id, or ErrRunNotFound.
func (s *RunStore) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE id = $1`,
		id,
	)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}

		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// FindActiveByHash returns the earliest active (PENDING or RUNNING) run with
// the given payload hash, or ErrRunNotFound.
//
// Multiple active rows can exist for one hash under race; ordering by
// created_at makes the earliest the stable dedup winner.
func (s *RunStore) FindActiveByHash(ctx context.Context, payloadHash string) (*Run, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE payload_hash = $1
		  AND status IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC
		LIMIT 1`,
		payloadHash,
	)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}

		return nil, fmt.Errorf("failed to find active run by hash: %w", err)
	}

	return run, nil
}

// BindIdempotencyKey inserts the key -> run mapping.
// Returns ErrIdempotencyKeyConflict if the key is already bound.
func (s *RunStore) BindIdempotencyKey(ctx context.Context, key string, runID uuid.UUID) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, run_id)
		VALUES ($1, $2)`,
		key, runID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrIdempotencyKeyConflict
		}

		return fmt.Errorf("failed to bind idempotency key: %w", err)
	}

	return nil
}

// FindByIdempotencyKey returns the run id bound to the key, or ErrRunNotFound.
func (s *RunStore) FindByIdempotencyKey(ctx context.Context, key string) (uuid.UUID, error) {
	var runID uuid.UUID

	err := s.conn.QueryRowContext(ctx, `
		SELECT run_id
		FROM idempotency_keys
		WHERE key = $1`,
		key,
	).Scan(&runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, ErrRunNotFound
		}

		return uuid.Nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	return runID, nil
}

// TryAcquireLease attempts a compare-and-swap lease acquisition.
//
// The update succeeds iff the run is PENDING, or RUNNING with an expired
// lease. On success the run transitions to RUNNING with the caller as owner,
// started_at is set on first acquisition only, and attempt_count increments.
// Returns whether the row was updated.
func (s *RunStore) TryAcquireLease(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	ttl time.Duration,
) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE runs SET
			status = 'RUNNING',
			lease_owner = $2,
			lease_expires_at = now() + $3::interval,
			started_at = COALESCE(started_at, now()),
			attempt_count = attempt_count + 1
		WHERE id = $1
		  AND (
			status = 'PENDING'
			OR (status = 'RUNNING' AND lease_expires_at < now())
		  )`,
		id, workerID, intervalSec(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	acquired, err := rowUpdated(result)
	if err != nil {
		return false, err
	}

	if acquired {
		s.logger.Info("lease acquired",
			slog.String("run_id", id.String()),
			slog.String("worker_id", workerID),
		)
	} else {
		s.logger.Debug("lease denied",
			slog.String("run_id", id.String()),
			slog.String("worker_id", workerID),
			slog.String("reason", "locked or terminal"),
		)
	}

	return acquired, nil
}

// TryRenewLease extends the lease expiry for the current owner.
// Succeeds iff the run is RUNNING and workerID still owns the lease.
func (s *RunStore) TryRenewLease(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	ttl time.Duration,
) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE runs SET
			lease_expires_at = now() + $3::interval
		WHERE id = $1
		  AND lease_owner = $2
		  AND status = 'RUNNING'`,
		id, workerID, intervalSec(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}

	return rowUpdated(result)
}

// FinalizeSuccess transitions the run to SUCCEEDED with the given result
// reference. Conditional on the caller still owning the lease; a false return
// means the lease was lost and the result must be dropped, not retried.
func (s *RunStore) FinalizeSuccess(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	resultRef string,
) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE runs SET
			status = 'SUCCEEDED',
			result_ref = $3,
			finished_at = now()
		WHERE id = $1
		  AND lease_owner = $2
		  AND status = 'RUNNING'`,
		id, workerID, resultRef,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize success: %w", err)
	}

	return rowUpdated(result)
}

// FinalizeFailure transitions the run to FAILED recording last_error.
// Conditional on lease ownership, like FinalizeSuccess.
func (s *RunStore) FinalizeFailure(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	errMsg string,
) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE runs SET
			status = 'FAILED',
			last_error = $3,
			finished_at = now()
		WHERE id = $1
		  AND lease_owner = $2
		  AND status = 'RUNNING'`,
		id, workerID, errMsg,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize failure: %w", err)
	}

	return rowUpdated(result)
}

// MarkFailed is the unconditional failure form for catastrophic paths where
// lease ownership cannot be re-verified. It still refuses to clobber terminal
// rows so finished_at never moves backward. Callers must prefer FinalizeFailure.
func (s *RunStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE runs SET
			status = 'FAILED',
			last_error = $2,
			finished_at = now()
		WHERE id = $1
		  AND status IN ('PENDING', 'RUNNING')`,
		id, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}

	return nil
}

// MarkAttemptsExhausted fails a reclaimable run whose attempt count has
// reached maxAttempts instead of handing out another lease. Returns whether
// the row transitioned.
func (s *RunStore) MarkAttemptsExhausted(ctx context.Context, id uuid.UUID, maxAttempts int) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE runs SET
			status = 'FAILED',
			last_error = 'attempts exhausted',
			finished_at = now()
		WHERE id = $1
		  AND attempt_count >= $2
		  AND (
			status = 'PENDING'
			OR (status = 'RUNNING' AND lease_expires_at < now())
		  )`,
		id, maxAttempts,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark attempts exhausted: %w", err)
	}

	return rowUpdated(result)
}

// ListRunnable returns ids of runs a worker may attempt to acquire: PENDING
// runs and RUNNING runs whose lease has expired, earliest first.
//
// This is the polling fallback behind the queue hints; a dropped hint cannot
// permanently strand a run as long as some worker scans this list.
func (s *RunStore) ListRunnable(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id
		FROM runs
		WHERE status = 'PENDING'
		   OR (status = 'RUNNING' AND lease_expires_at < now())
		ORDER BY created_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runnable runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var ids []uuid.UUID

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan runnable run id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runnable runs: %w", err)
	}

	return ids, nil
}

// scanRun scans a run row in runColumns order.
func scanRun(row *sql.Row) (*Run, error) {
	var (
		run        Run
		parameters []byte
	)

	err := row.Scan(
		&run.ID,
		&run.Status,
		&parameters,
		&run.PayloadHash,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.AttemptCount,
		&run.LeaseOwner,
		&run.LeaseExpiresAt,
		&run.ResultRef,
		&run.LastError,
	)
	if err != nil {
		return nil, err
	}

	run.Parameters = json.RawMessage(parameters)

	return &run, nil
}

// rowUpdated converts a sql.Result into the CAS verdict.
func rowUpdated(result sql.Result) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected > 0, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}

	return false
}

// intervalSec formats a duration as a Postgres interval string.
// Duration.String() produces "1m0s" which Postgres cannot parse; this
// produces "60 seconds" which is unambiguous.
func intervalSec(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
