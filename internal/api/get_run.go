package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/runplane-io/runplane/internal/storage"
)

// handleGetRun handles GET /runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	s.writeJSON(w, r, http.StatusOK, toRunResponse(run))
}

// loadRun parses the path id and fetches the run, writing the error response
// itself when either step fails.
func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*storage.Run, bool) {
	idStr := r.PathValue("id")

	// A non-UUID segment cannot name any run, so it is a miss rather than a
	// malformed request
	id, err := uuid.Parse(idStr)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, NotFound("Run not found"))

		return nil, false
	}

	run, err := s.runStore.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Run not found"))

			return nil, false
		}

		s.logger.ErrorContext(r.Context(), "Failed to query run",
			slog.String("correlation_id", correlationIDFrom(r)),
			slog.String("run_id", id.String()),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query run"))

		return nil, false
	}

	return run, true
}
