package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/runplane-io/runplane/internal/model"
	"github.com/runplane-io/runplane/internal/storage"
)

// errJobTimeout marks an attempt killed by the job timeout. The run is left
// RUNNING so the lease lapses and a later worker reacquires it; the attempt
// cap is what eventually terminates a run that always times out.
var errJobTimeout = errors.New("job timeout exceeded")

// Executor runs a single run attempt end to end: attempt gate, lease
// acquisition, heartbeat, runner execution, result persistence, finalize.
type Executor struct {
	store    Store
	sink     Sink
	registry *model.Registry
	logger   *slog.Logger
	config   *Config
	workerID string
}

// NewExecutor creates an executor owned by the given worker identity.
func NewExecutor(
	store Store,
	sink Sink,
	registry *model.Registry,
	logger *slog.Logger,
	cfg *Config,
	workerID string,
) *Executor {
	return &Executor{
		store:    store,
		sink:     sink,
		registry: registry,
		logger:   logger,
		config:   cfg,
		workerID: workerID,
	}
}

// Execute attempts the run with the given id.
//
// Every outcome short of a crash is normal operation: the attempt cap may
// fail the run, the lease may be denied because another worker holds it, or
// the lease may be lost mid-run, in which case the result is dropped because
// the conditional finalize would not apply anyway.
func (e *Executor) Execute(ctx context.Context, runID uuid.UUID) {
	log := e.logger.With(
		slog.String("run_id", runID.String()),
		slog.String("worker_id", e.workerID),
	)

	// Attempt cap gate: a run that keeps dying mid-lease must eventually
	// fail instead of cycling forever. Zero disables the cap.
	if e.config.MaxAttempts > 0 {
		exhausted, err := e.store.MarkAttemptsExhausted(ctx, runID, e.config.MaxAttempts)
		if err != nil {
			log.Error("attempt cap check failed", slog.String("error", err.Error()))

			return
		}

		if exhausted {
			log.Warn("run failed permanently, attempts exhausted",
				slog.Int("max_attempts", e.config.MaxAttempts))

			return
		}
	}

	acquired, err := e.store.TryAcquireLease(ctx, runID, e.workerID, e.config.LeaseTTL)
	if err != nil {
		log.Error("lease acquisition failed", slog.String("error", err.Error()))

		return
	}

	if !acquired {
		log.Debug("lease denied, skipping run")

		return
	}

	hb, runCtx := startHeartbeat(ctx, e.store, e.logger, runID, e.workerID, e.config.LeaseTTL, e.config.HeartbeatInterval)

	result, runErr := e.runAttempt(runCtx, runID, log)

	hb.stop()

	if hb.leaseLost() {
		// Another worker may own the run now; the conditional finalize would
		// no-op, so drop the outcome without touching the store.
		log.Warn("dropping run outcome after lease loss")

		return
	}

	if errors.Is(runErr, errJobTimeout) {
		// Killed, not failed: no finalize, the lease expires naturally and
		// the run becomes reclaimable.
		log.Warn("job timeout exceeded, leaving run for reclamation",
			slog.Duration("job_timeout", e.config.JobTimeout))

		return
	}

	if runErr != nil {
		e.finalizeFailure(ctx, runID, runErr.Error(), log)

		return
	}

	ref, err := e.sink.Put(ctx, runID, result)
	if err != nil {
		e.finalizeFailure(ctx, runID, fmt.Sprintf("failed to persist result: %v", err), log)

		return
	}

	applied, err := e.store.FinalizeSuccess(ctx, runID, e.workerID, ref)
	if err != nil {
		log.Error("failed to finalize success", slog.String("error", err.Error()))

		return
	}

	if !applied {
		log.Warn("success finalize did not apply, lease was taken over")

		return
	}

	log.Info("run succeeded", slog.String("result_ref", ref))
}

// runAttempt loads parameters, selects the runner, and executes it under the
// job timeout.
func (e *Executor) runAttempt(ctx context.Context, runID uuid.UUID, log *slog.Logger) (map[string]any, error) {
	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	params, err := decodeParameters(run.Parameters)
	if err != nil {
		return nil, err
	}

	runner, err := e.registry.RunnerFor(params)
	if err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithTimeout(ctx, e.config.JobTimeout)
	defer cancel()

	log.Info("run attempt started", slog.Int("attempt", run.AttemptCount))

	result, err := runner.Run(jobCtx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errJobTimeout
		}

		return nil, err
	}

	return result, nil
}

// finalizeFailure records a failed attempt, tolerating lost ownership.
func (e *Executor) finalizeFailure(ctx context.Context, runID uuid.UUID, msg string, log *slog.Logger) {
	applied, err := e.store.FinalizeFailure(ctx, runID, e.workerID, msg)
	if err != nil {
		log.Error("failed to finalize failure",
			slog.String("run_error", msg),
			slog.String("error", err.Error()),
		)

		return
	}

	if !applied {
		log.Warn("failure finalize did not apply, lease was taken over",
			slog.String("run_error", msg))

		return
	}

	log.Info("run failed", slog.String("error", msg))
}

// decodeParameters decodes canonical parameter bytes, preserving numeric
// literals as json.Number.
func decodeParameters(raw json.RawMessage) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var params map[string]any
	if err := decoder.Decode(&params); err != nil {
		return nil, fmt.Errorf("failed to decode parameters: %w", err)
	}

	return params, nil
}

// ensure interface compatibility with the production store.
var _ Store = (*storage.RunStore)(nil)
