package config

import (
	"os"
	"time"
)

// DefaultConfig returns the built-in defaults. User YAML is merged on top,
// so every field a deployment does not set keeps these values.
func DefaultConfig() *Config {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	return &Config{
		Transport: TransportConfig{
			RedisURL:      redisURL,
			MaxStreamLen:  100_000,
			DedupTTL:      7 * 24 * time.Hour,
			RetryKeyTTL:   24 * time.Hour,
			Block:         5 * time.Second,
			BatchSize:     50,
			MaxDeliveries: 5,
		},
		Classifier: ClassifierConfig{
			Mode:                "RULE_BASED",
			ConfidenceThreshold: 0.65,
			LLMAPIKeyEnv:        "LLM_API_KEY",
			Model:               "gpt-4o-mini",
			Timeout:             8 * time.Second,
			MaxRetries:          2,
			RetryBaseDelay:      150 * time.Millisecond,
		},
		IngestGateway: GatewayConfig{
			Addr:            ":8080",
			MaxConcurrency:  8,
			MaxQueueSize:    500,
			MaxRequestBytes: 1 << 20,
			AuthTokenEnv:    "INGEST_AUTH_TOKEN",
		},
		PlanningGateway: GatewayConfig{
			Addr:            ":8081",
			MaxConcurrency:  8,
			MaxQueueSize:    500,
			MaxRequestBytes: 1 << 20,
			AuthTokenEnv:    "PLANNING_AUTH_TOKEN",
		},
		LLMAdapter: AdapterConfig{
			Addr:           ":8082",
			MaxConcurrency: 8,
			MaxQueueSize:   500,
		},
		Worker: WorkerConfig{
			RetryBackoff: 50 * time.Millisecond,
		},
		Notifications: NotificationsConfig{
			SlackTokenEnv: "SLACK_BOT_TOKEN",
			Routes: map[string][]string{
				"CRITICAL": {"slack", "log"},
				"HIGH":     {"slack", "log"},
			},
			Fallback: []string{"log"},
		},
	}
}
