// Package sink persists run result documents.
//
// The filesystem sink is the reference implementation: one JSON document per
// run at <dir>/<run_id>.json. The stored path is the run's result_ref, so any
// process with the same result directory can serve the document back.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/runplane-io/runplane/internal/config"
)

const (
	defaultResultDir = "/tmp/runplane-results"

	dirPerm  = 0o750
	filePerm = 0o640
)

// FileSink writes result documents to the local filesystem.
type FileSink struct {
	dir string
}

// NewFileSink creates a sink rooted at dir, creating the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create result directory: %w", err)
	}

	return &FileSink{dir: dir}, nil
}

// NewFileSinkFromEnv creates a sink at the RESULT_DIR location.
func NewFileSinkFromEnv() (*FileSink, error) {
	return NewFileSink(config.GetEnvStr("RESULT_DIR", defaultResultDir))
}

// Put stores a result document for the run and returns its reference.
//
// Writes are idempotent: a retried attempt for the same run overwrites the
// previous document, which is safe because a run finalizes at most once.
func (s *FileSink) Put(_ context.Context, runID uuid.UUID, result map[string]any) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}

	path := filepath.Join(s.dir, runID.String()+".json")

	if err := os.WriteFile(path, data, filePerm); err != nil {
		return "", fmt.Errorf("failed to write result: %w", err)
	}

	return path, nil
}

// Get reads the result document at ref.
func (s *FileSink) Get(_ context.Context, ref string) (json.RawMessage, error) {
	data, err := os.ReadFile(ref) //nolint:gosec // ref comes from the run store, not request input
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}

	return data, nil
}
