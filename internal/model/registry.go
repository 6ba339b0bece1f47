package model

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultModel is the runner used when the parameters carry no "model" field.
const DefaultModel = "mock"

// ErrUnknownModel is returned when no runner is registered for the requested model.
var ErrUnknownModel = errors.New("unknown model")

// Registry maps model names to runners.
//
// Registration happens at startup; lookups are concurrent from worker
// goroutines, hence the read lock on the hot path.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// NewDefaultRegistry creates a registry pre-populated from configuration.
// The mock runner is always present so a bare deployment can execute runs.
func NewDefaultRegistry(cfg *Config) *Registry {
	r := NewRegistry()

	mockCfg := cfg.Models[DefaultModel]
	r.Register(DefaultModel, NewMockRunner(mockCfg.DefaultDuration, mockCfg.DefaultFailProbability))

	return r
}

// Register binds a runner to a model name, replacing any previous binding.
func (r *Registry) Register(name string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runners[name] = runner
}

// Get returns the runner registered under name.
func (r *Registry) Get(name string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}

	return runner, nil
}

// RunnerFor selects the runner for a run's parameters.
// The "model" parameter picks the runner; absence means DefaultModel.
func (r *Registry) RunnerFor(params map[string]any) (Runner, error) {
	name := DefaultModel
	if v, ok := params["model"].(string); ok && v != "" {
		name = v
	}

	return r.Get(name)
}
