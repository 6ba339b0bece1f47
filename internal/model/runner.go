// Package model provides the runner abstraction executed by workers.
//
// A runner turns a run's parameters into a result document. Runners are
// selected by the "model" parameter through a Registry, so new model types
// plug in without touching the worker loop.
package model

import (
	"context"
	"errors"
)

// ErrRunFailed is returned by runners for run-level failures, as opposed to
// infrastructure errors. Workers record it verbatim as the run's last error.
var ErrRunFailed = errors.New("run failed")

// Runner executes a single run attempt.
//
// Implementations must honor ctx cancellation: the worker enforces the job
// timeout and lease loss through the context. Params hold the decoded
// canonical parameters and must not be mutated.
type Runner interface {
	Run(ctx context.Context, params map[string]any) (map[string]any, error)
}
