// Package storage provides the durable Run Store backing the Runplane control plane.
//
// The runs table is the sole system of record: every lifecycle transition is a
// conditional UPDATE against a single row, so concurrency control reduces to
// row-level compare-and-swap. Queue messages and in-memory snapshots are never
// authoritative.
package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run.
type Status string

// Run lifecycle states. PENDING and RUNNING are active; the rest are terminal.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	case StatusPending, StatusRunning:
		return false
	}

	return false
}

// Sentinel errors for run storage operations.
var (
	// ErrRunNotFound is returned when a run lookup misses.
	ErrRunNotFound = errors.New("run not found")

	// ErrIdempotencyKeyConflict is returned when an idempotency key is already
	// bound to another run. Callers recover by re-reading the binding.
	ErrIdempotencyKeyConflict = errors.New("idempotency key already bound")
)

// Run is a snapshot of a run row.
//
// A Run held by a worker is a local copy; authority for any state change is
// the store via conditional updates. Parameters and PayloadHash are immutable
// after insert.
type Run struct {
	ID     uuid.UUID
	Status Status

	// Immutable inputs. Parameters holds the canonical JSON bytes.
	Parameters  json.RawMessage
	PayloadHash string

	// Lifecycle timestamps. StartedAt is set on first lease acquisition,
	// FinishedAt on the terminal transition.
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time

	// Execution metadata.
	AttemptCount   int
	LeaseOwner     *string
	LeaseExpiresAt *time.Time

	// Outputs.
	ResultRef *string
	LastError *string
}
