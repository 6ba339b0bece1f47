package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/runplane-io/runplane/internal/canonicalization"
	"github.com/runplane-io/runplane/internal/storage"
)

// enqueueTimeout bounds the post-commit hint publish so a slow broker
// cannot hold the admission response hostage.
const enqueueTimeout = 5 * time.Second

// handleCreateRun handles POST /runs.
//
// Admission protocol, in precedence order:
//  1. An Idempotency-Key header already bound to a run returns that run (200).
//  2. Without a key match, an active (PENDING or RUNNING) run with the same
//     canonical payload hash returns that run (200). Terminal runs never
//     block resubmission.
//  3. Otherwise a new PENDING run is created (201) and a best-effort hint is
//     enqueued after the transaction commits. A lost hint is logged, never
//     surfaced: the worker poll loop guarantees eventual pickup.
//
// A concurrent admission racing on the same key loses the insert and returns
// the winner's run (200), so one key maps to exactly one run under any
// interleaving.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := correlationIDFrom(r)

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Failed to read request body"))

		return
	}

	var req CreateRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Request body must be valid JSON"))

		return
	}

	if len(req.Parameters) == 0 {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity("Field 'parameters' is required"))

		return
	}

	canonical, payloadHash, err := canonicalization.CanonicalizeRaw(req.Parameters)
	if err != nil {
		if errors.Is(err, canonicalization.ErrNotObject) {
			WriteErrorResponse(w, r, s.logger, UnprocessableEntity("Field 'parameters' must be a JSON object"))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to canonicalize parameters",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to process parameters"))

		return
	}

	// Idempotency key takes precedence over payload-hash dedup
	idempotencyKey := r.Header.Get("Idempotency-Key")

	if idempotencyKey != "" {
		runID, err := s.runStore.FindByIdempotencyKey(ctx, idempotencyKey)

		switch {
		case err == nil:
			s.respondWithExistingRun(w, r, runID)

			return
		case !errors.Is(err, storage.ErrRunNotFound):
			s.logger.ErrorContext(ctx, "Failed to look up idempotency key",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to admit run"))

			return
		}
	}

	// Implicit dedup: an active run with the same canonical payload absorbs
	// the submission
	active, err := s.runStore.FindActiveByHash(ctx, payloadHash)
	if err == nil {
		s.writeJSON(w, r, http.StatusOK, toRunResponse(active))

		return
	}

	if !errors.Is(err, storage.ErrRunNotFound) {
		s.logger.ErrorContext(ctx, "Failed to look up payload hash",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to admit run"))

		return
	}

	run, err := s.runStore.InsertRun(ctx, canonical, payloadHash, idempotencyKey)
	if err != nil {
		if errors.Is(err, storage.ErrIdempotencyKeyConflict) {
			// Lost the race on the key: the winner's run is the answer
			runID, lookupErr := s.runStore.FindByIdempotencyKey(ctx, idempotencyKey)
			if lookupErr == nil {
				s.respondWithExistingRun(w, r, runID)

				return
			}

			s.logger.ErrorContext(ctx, "Failed to resolve idempotency key after conflict",
				slog.String("correlation_id", correlationID),
				slog.String("error", lookupErr.Error()),
			)
		} else {
			s.logger.ErrorContext(ctx, "Failed to insert run",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
		}

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to admit run"))

		return
	}

	s.enqueueHint(run.ID, correlationID)

	s.logger.InfoContext(ctx, "Run admitted",
		slog.String("correlation_id", correlationID),
		slog.String("run_id", run.ID.String()),
		slog.String("payload_hash", payloadHash),
	)

	s.writeJSON(w, r, http.StatusCreated, toRunResponse(run))
}

// respondWithExistingRun returns the run bound to a matched idempotency key.
func (s *Server) respondWithExistingRun(w http.ResponseWriter, r *http.Request, runID uuid.UUID) {
	run, err := s.runStore.Get(r.Context(), runID)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Failed to load run for idempotency key",
			slog.String("correlation_id", correlationIDFrom(r)),
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to admit run"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, toRunResponse(run))
}

// enqueueHint publishes the run hint after commit. Failures are logged and
// swallowed; the polling fallback owns delivery.
func (s *Server) enqueueHint(runID uuid.UUID, correlationID string) {
	if s.enqueuer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	if err := s.enqueuer.Enqueue(ctx, runID); err != nil {
		s.logger.Warn("Failed to enqueue run hint, polling will pick it up",
			slog.String("correlation_id", correlationID),
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
	}
}
