// Package config loads and validates the riskflow.yaml service configuration.
package config

import (
	"os"
	"time"
)

// Config is the fully resolved service configuration. Every field is
// populated after Initialize: user YAML overrides built-in defaults.
type Config struct {
	Transport       TransportConfig     `yaml:"transport"`
	Classifier      ClassifierConfig    `yaml:"classifier"`
	IngestGateway   GatewayConfig       `yaml:"ingest_gateway"`
	PlanningGateway GatewayConfig       `yaml:"planning_gateway"`
	LLMAdapter      AdapterConfig       `yaml:"llm_adapter"`
	Worker          WorkerConfig        `yaml:"worker"`
	Notifications   NotificationsConfig `yaml:"notifications"`
	Connectors      ConnectorsConfig    `yaml:"connectors"`
}

// TransportConfig tunes the Redis Streams transport shared by every role.
type TransportConfig struct {
	// RedisURL defaults to the REDIS_URL environment variable, then to a
	// local instance.
	RedisURL string `yaml:"redis_url"`

	// MaxStreamLen is the approximate per-stream length cap.
	MaxStreamLen int64 `yaml:"max_stream_len"`

	// DedupTTL is the idempotency window for ingestion event ids.
	DedupTTL time.Duration `yaml:"dedup_ttl"`

	// RetryKeyTTL bounds the lifetime of per-message attempt counters.
	RetryKeyTTL time.Duration `yaml:"retry_key_ttl"`

	// Block is the consumer blocking-read window.
	Block time.Duration `yaml:"block"`

	// BatchSize caps messages per consume call.
	BatchSize int `yaml:"batch_size"`

	// MaxDeliveries is the delivery count at which a message is dead-lettered.
	MaxDeliveries int `yaml:"max_deliveries"`
}

// ClassifierConfig selects and tunes the classification backend.
type ClassifierConfig struct {
	// Mode is RULE_BASED or LLM.
	Mode string `yaml:"mode"`

	// ConfidenceThreshold routes low-confidence classifications away from
	// the risk stage.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// LLMEndpoint is the base URL of the classification adapter's upstream.
	// Required when Mode is LLM.
	LLMEndpoint string `yaml:"llm_endpoint"`

	// LLMAPIKeyEnv names the environment variable holding the upstream key.
	LLMAPIKeyEnv string `yaml:"llm_api_key_env"`

	Model          string        `yaml:"model"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// LLMAPIKey resolves the upstream API key from the configured environment
// variable.
func (c ClassifierConfig) LLMAPIKey() string {
	return os.Getenv(c.LLMAPIKeyEnv)
}

// GatewayConfig tunes one HTTP gateway.
type GatewayConfig struct {
	Addr            string `yaml:"addr"`
	MaxConcurrency  int    `yaml:"max_concurrency"`
	MaxQueueSize    int    `yaml:"max_queue_size"`
	MaxRequestBytes int64  `yaml:"max_request_bytes"`

	// AuthTokenEnv names the environment variable holding the bearer token.
	// An unset variable disables authentication.
	AuthTokenEnv string `yaml:"auth_token_env"`
}

// AuthToken resolves the bearer token from the configured environment variable.
func (c GatewayConfig) AuthToken() string {
	if c.AuthTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.AuthTokenEnv)
}

// AdapterConfig tunes the classification adapter's HTTP surface.
type AdapterConfig struct {
	Addr           string `yaml:"addr"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	MaxQueueSize   int    `yaml:"max_queue_size"`
}

// WorkerConfig tunes the pipeline worker loops.
type WorkerConfig struct {
	// RetryBackoff is the base sleep after a handler failure.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// NotificationsConfig wires delivery channels and severity routes.
type NotificationsConfig struct {
	SlackEnabled  bool   `yaml:"slack_enabled"`
	SlackTokenEnv string `yaml:"slack_token_env"`
	SlackChannel  string `yaml:"slack_channel"`

	// Routes maps a severity to channel names. Severities without a route
	// use Fallback.
	Routes   map[string][]string `yaml:"routes"`
	Fallback []string            `yaml:"fallback"`
}

// SlackToken resolves the bot token from the configured environment variable.
func (c NotificationsConfig) SlackToken() string {
	return os.Getenv(c.SlackTokenEnv)
}

// ConnectorsConfig locates the connector registry.
type ConnectorsConfig struct {
	// RegistryPath is the JSON registry file. Empty means load from the
	// ENABLED_CONNECTORS environment variables instead.
	RegistryPath string `yaml:"registry_path"`
}
