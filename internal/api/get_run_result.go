package api

import (
	"log/slog"
	"net/http"

	"github.com/runplane-io/runplane/internal/storage"
)

// handleGetRunResult handles GET /runs/{id}/result.
//
// Only a SUCCEEDED run has a result. Any other status returns 409 with the
// current status so clients can poll without parsing problem documents.
func (s *Server) handleGetRunResult(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	if run.Status != storage.StatusSucceeded {
		s.writeJSON(w, r, http.StatusConflict, RunStatusResponse{Status: string(run.Status)})

		return
	}

	if run.ResultRef == nil {
		WriteErrorResponse(w, r, s.logger, NotFound("Result not available"))

		return
	}

	resp := ResultResponse{
		RunID:           run.ID.String(),
		ResultReference: *run.ResultRef,
	}

	// The reference alone satisfies the contract; a sink read failure only
	// drops the inline document
	if s.results != nil {
		result, err := s.results.Get(r.Context(), *run.ResultRef)
		if err != nil {
			s.logger.WarnContext(r.Context(), "Failed to read run result document",
				slog.String("correlation_id", correlationIDFrom(r)),
				slog.String("run_id", run.ID.String()),
				slog.String("result_ref", *run.ResultRef),
				slog.String("error", err.Error()),
			)
		} else {
			resp.Result = result
		}
	}

	s.writeJSON(w, r, http.StatusOK, resp)
}
