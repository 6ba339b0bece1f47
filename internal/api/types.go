// Package api provides the HTTP API server for the Runplane service.
package api

import (
	"encoding/json"
	"time"

	"github.com/runplane-io/runplane/internal/storage"
)

type (
	// CreateRunRequest is the admission request payload.
	//
	// Parameters must be a JSON object; it is canonicalized before hashing so
	// that key order and whitespace never affect deduplication. The optional
	// idempotency key travels in the Idempotency-Key request header, not in
	// the body.
	CreateRunRequest struct {
		Parameters json.RawMessage `json:"parameters"`
	}

	// RunResponse is the wire representation of a run.
	//
	// Timestamps are RFC 3339 in UTC; started_at and finished_at are null
	// until the run reaches the corresponding state.
	RunResponse struct {
		ID           string          `json:"id"`
		Status       string          `json:"status"`
		Parameters   json.RawMessage `json:"parameters"`
		CreatedAt    string          `json:"created_at"`             //nolint: tagliatelle
		StartedAt    *string         `json:"started_at"`             //nolint: tagliatelle
		FinishedAt   *string         `json:"finished_at"`            //nolint: tagliatelle
		AttemptCount int             `json:"attempt_count"`          //nolint: tagliatelle
		LastError    *string         `json:"last_error,omitempty"`   //nolint: tagliatelle
	}

	// RunStatusResponse carries only the run status, used when a result is
	// requested for a run that has not succeeded.
	RunStatusResponse struct {
		Status string `json:"status"`
	}

	// ResultResponse is returned for a SUCCEEDED run. The reference is the
	// contract; the result document is included when the sink can serve it.
	ResultResponse struct {
		RunID           string          `json:"run_id"`           //nolint: tagliatelle
		ResultReference string          `json:"result_reference"` //nolint: tagliatelle
		Result          json.RawMessage `json:"result,omitempty"`
	}

	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status string `json:"status"`
		DB     string `json:"db"`
		Queue  string `json:"queue"`
	}
)

// toRunResponse converts a stored run to its wire representation.
func toRunResponse(run *storage.Run) RunResponse {
	return RunResponse{
		ID:           run.ID.String(),
		Status:       string(run.Status),
		Parameters:   run.Parameters,
		CreatedAt:    formatTime(run.CreatedAt),
		StartedAt:    formatTimePtr(run.StartedAt),
		FinishedAt:   formatTimePtr(run.FinishedAt),
		AttemptCount: run.AttemptCount,
		LastError:    run.LastError,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}

	s := formatTime(*t)

	return &s
}
