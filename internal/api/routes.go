// Package api provides the HTTP API server for the Runplane service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/runplane-io/runplane/internal/api/middleware"
)

const (
	healthCheckTimeout     = 2 * time.Second
	contentTypeProblemJSON = "application/problem+json"

	healthOK       = "ok"
	healthDegraded = "degraded"
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health endpoints
	mux.HandleFunc("GET /healthz", s.handleHealthz) // K8s liveness/readiness probe

	// Run endpoints
	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/result", s.handleGetRunResult)

	// Catch-all handler for 404 responses
	mux.HandleFunc("/", s.handleNotFound)
}

// handleHealthz reports aggregate service health.
//
// Returns 200 with {"status":"ok"} when both the database and the queue are
// reachable, 503 with {"status":"degraded"} otherwise. A degraded queue alone
// still reports per-dependency detail so operators can tell which side failed.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	health := HealthStatus{Status: healthOK, DB: healthOK, Queue: healthOK}

	if err := s.runStore.HealthCheck(ctx); err != nil {
		health.DB = healthDegraded
		health.Status = healthDegraded

		s.logger.Error("Database health check failed",
			slog.String("correlation_id", correlationIDFrom(r)),
			slog.String("error", err.Error()),
		)
	}

	if s.enqueuer != nil {
		if err := s.enqueuer.HealthCheck(ctx); err != nil {
			health.Queue = healthDegraded
			health.Status = healthDegraded

			s.logger.Error("Queue health check failed",
				slog.String("correlation_id", correlationIDFrom(r)),
				slog.String("error", err.Error()),
			)
		}
	}

	statusCode := http.StatusOK
	if health.Status != healthOK {
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, r, statusCode, health)
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals v and writes it with the given status code.
// Marshal failures become a 500 problem response before headers are sent.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", correlationIDFrom(r)),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		// Headers already sent, log only
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationIDFrom(r)),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}

// correlationIDFrom extracts the correlation ID set by the middleware chain.
func correlationIDFrom(r *http.Request) string {
	return middleware.GetCorrelationID(r.Context())
}
