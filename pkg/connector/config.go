// Package connector is the polling-connector framework: typed factories,
// a generic poll loop with change detection, persistent cursor state, a
// distributed lease so one instance polls at a time, and per-connector
// metrics.
package connector

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/riskflow-io/riskflow/pkg/domain"
)

// Config describes one connector instance as loaded from the registry.
type Config struct {
	Name             string            `json:"name"`
	Type             string            `json:"type"`
	Enabled          bool              `json:"enabled"`
	PollIntervalMs   int               `json:"pollIntervalMs,omitempty"`
	RequestTimeoutMs int               `json:"requestTimeoutMs,omitempty"`
	MaxRetries       int               `json:"maxRetries,omitempty"`
	OutputStream     string            `json:"outputStream,omitempty"`
	LeaseTTLSeconds  int               `json:"leaseTtlSeconds,omitempty"`
	Provider         map[string]string `json:"providerConfig,omitempty"`
}

// Defaults for registry entries that omit optional fields.
const (
	defaultPollInterval   = 30 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultMaxRetries     = 3
	defaultLeaseTTL       = 60 * time.Second
)

func (c Config) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return defaultPollInterval
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutMs <= 0 {
		return defaultRequestTimeout
	}
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c Config) LeaseTTL() time.Duration {
	if c.LeaseTTLSeconds <= 0 {
		return defaultLeaseTTL
	}
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

func (c Config) Retries() int {
	if c.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return c.MaxRetries
}

// Stream is the output stream, defaulting to external-signals.
func (c Config) Stream() string {
	if c.OutputStream == "" {
		return domain.StreamExternalSignals
	}
	return c.OutputStream
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("connector: registry entry missing name")
	}
	if c.Type == "" {
		return fmt.Errorf("connector %q: missing type", c.Name)
	}
	return nil
}

// LoadRegistryFile parses a JSON registry: either a bare array of configs or
// `{"connectors": [...]}`. `${VAR}` references inside string values are
// expanded from the environment before parsing.
func LoadRegistryFile(path string) ([]Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("connector: read registry %s: %w", path, err)
	}
	return parseRegistry(raw, path)
}

func parseRegistry(raw []byte, origin string) ([]Config, error) {
	expanded := []byte(os.ExpandEnv(string(raw)))

	var list []Config
	if err := json.Unmarshal(expanded, &list); err != nil {
		var wrapped struct {
			Connectors []Config `json:"connectors"`
		}
		if err2 := json.Unmarshal(expanded, &wrapped); err2 != nil {
			return nil, fmt.Errorf("connector: parse registry %s: %w", origin, err)
		}
		list = wrapped.Connectors
	}

	for _, cfg := range list {
		if err := cfg.validate(); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// LoadRegistryEnv builds a registry from ENABLED_CONNECTORS=a,b,c plus
// CONNECTOR_<NAME>_* variables. Recognized suffixes map to config fields;
// everything else becomes a lowercased provider-config key.
func LoadRegistryEnv() ([]Config, error) {
	enabled := strings.TrimSpace(os.Getenv("ENABLED_CONNECTORS"))
	if enabled == "" {
		return nil, nil
	}

	var list []Config
	for _, name := range strings.Split(enabled, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cfg, err := connectorFromEnv(name)
		if err != nil {
			return nil, err
		}
		list = append(list, cfg)
	}
	return list, nil
}

func connectorFromEnv(name string) (Config, error) {
	prefix := "CONNECTOR_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
	cfg := Config{Name: name, Enabled: true, Provider: map[string]string{}}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		value = os.ExpandEnv(value)
		switch suffix := strings.TrimPrefix(key, prefix); suffix {
		case "TYPE":
			cfg.Type = value
		case "POLL_INTERVAL_MS":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("connector %q: %s: %w", name, key, err)
			}
			cfg.PollIntervalMs = n
		case "REQUEST_TIMEOUT_MS":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("connector %q: %s: %w", name, key, err)
			}
			cfg.RequestTimeoutMs = n
		case "MAX_RETRIES":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("connector %q: %s: %w", name, key, err)
			}
			cfg.MaxRetries = n
		case "LEASE_TTL_SECONDS":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("connector %q: %s: %w", name, key, err)
			}
			cfg.LeaseTTLSeconds = n
		case "OUTPUT_STREAM":
			cfg.OutputStream = value
		case "ENABLED":
			cfg.Enabled = value != "false" && value != "0"
		default:
			cfg.Provider[strings.ToLower(suffix)] = value
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
