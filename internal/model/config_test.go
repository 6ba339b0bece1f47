package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), ".runplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfigMissingFileIsEmpty(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Empty(t, cfg.Models)
}

func TestLoadConfigParsesModels(t *testing.T) {
	path := writeConfigFile(t, `
models:
  mock:
    default_duration: 0.5
    default_fail_probability: 0.1
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	settings, ok := cfg.Models["mock"]
	require.True(t, ok)
	assert.InDelta(t, 0.5, settings.DefaultDuration, 1e-9)
	assert.InDelta(t, 0.1, settings.DefaultFailProbability, 1e-9)
}

func TestLoadConfigInvalidYAMLDegrades(t *testing.T) {
	path := writeConfigFile(t, "models: [not: a: map")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Models)
}

func TestLoadConfigFromEnv(t *testing.T) {
	path := writeConfigFile(t, `
models:
  mock:
    default_duration: 2
`)
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, cfg.Models["mock"].DefaultDuration, 1e-9)
}
