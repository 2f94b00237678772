package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the configuration file name looked up when no path
// is given.
const DefaultConfigFile = "riskflow.yaml"

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. This is the primary entry point.
//
// Steps performed:
//  1. Load the YAML file (a missing file means defaults-only)
//  2. Expand environment variables
//  3. Merge user YAML over built-in defaults
//  4. Validate the result
func Initialize(ctx context.Context, path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	log := slog.With("config_file", path)

	cfg, loaded, err := load(path)
	if err != nil {
		return nil, NewLoadError(path, err)
	}
	if !loaded {
		log.Info("Configuration file not found, using built-in defaults")
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"classifier_mode", cfg.Classifier.Mode,
		"redis_url", cfg.Transport.RedisURL,
		"slack_enabled", cfg.Notifications.SlackEnabled)
	return cfg, nil
}

// load reads the file when present and merges it over the defaults. The
// second return reports whether a file was read.
func load(path string) (*Config, bool, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return nil, false, err
	}

	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	// Non-zero user values override defaults; unset fields keep them.
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, false, fmt.Errorf("failed to merge configuration: %w", err)
	}
	return cfg, true, nil
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
