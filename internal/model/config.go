package model

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/runplane-io/runplane/internal/config"
)

type (
	// Config holds model runner configuration loaded from .runplane.yaml.
	Config struct {
		// Models maps model names to their runner settings.
		Models map[string]ModelSettings `yaml:"models"`
	}

	// ModelSettings holds per-model runner defaults.
	ModelSettings struct {
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		DefaultDuration float64 `yaml:"default_duration"`
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		DefaultFailProbability float64 `yaml:"default_fail_probability"`
	}
)

// DefaultConfigPath is the default location for the runplane configuration file.
// Uses hidden file format following common tool conventions (.eslintrc, .prettierrc, etc.).
const DefaultConfigPath = ".runplane.yaml"

// ConfigPathEnvVar is the environment variable name for custom config path.
const ConfigPathEnvVar = "RUNPLANE_CONFIG_PATH"

// LoadConfig loads model configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - settings are optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
//
// This graceful degradation ensures the worker can start without a config
// file, falling back to built-in runner defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Models: make(map[string]ModelSettings),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file is OK - settings are optional
			slog.Debug("Config file not found, continuing with runner defaults",
				slog.String("path", path))

			return cfg, nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read config file, continuing with runner defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	// Empty file is valid - just no settings
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Invalid YAML - log warning and continue with empty config
		slog.Warn("Failed to parse config file, continuing with runner defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{Models: make(map[string]ModelSettings)}, nil
	}

	// Ensure map is initialized even if YAML had nil/empty section
	if cfg.Models == nil {
		cfg.Models = make(map[string]ModelSettings)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path specified in RUNPLANE_CONFIG_PATH
// environment variable. Falls back to ".runplane.yaml" in current directory if not set.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
