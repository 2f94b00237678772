package config

import (
	"fmt"
	"os"
)

// Validator validates configuration with clear error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates every section, fail-fast.
func (v *Validator) ValidateAll() error {
	if err := v.validateTransport(); err != nil {
		return err
	}
	if err := v.validateClassifier(); err != nil {
		return err
	}
	if err := v.validateGateway("ingest_gateway", v.cfg.IngestGateway); err != nil {
		return err
	}
	if err := v.validateGateway("planning_gateway", v.cfg.PlanningGateway); err != nil {
		return err
	}
	if err := v.validateNotifications(); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateTransport() error {
	t := v.cfg.Transport
	if t.RedisURL == "" {
		return NewValidationError("transport", "redis_url", ErrMissingRequiredField)
	}
	if t.MaxDeliveries < 1 {
		return NewValidationError("transport", "max_deliveries",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if t.BatchSize < 1 {
		return NewValidationError("transport", "batch_size",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateClassifier() error {
	c := v.cfg.Classifier
	switch c.Mode {
	case "RULE_BASED", "LLM":
	default:
		return NewValidationError("classifier", "mode",
			fmt.Errorf("%w: %q (want RULE_BASED or LLM)", ErrInvalidValue, c.Mode))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return NewValidationError("classifier", "confidence_threshold",
			fmt.Errorf("%w: %v (want 0..1)", ErrInvalidValue, c.ConfidenceThreshold))
	}
	if c.Mode == "LLM" {
		if c.LLMEndpoint == "" {
			return NewValidationError("classifier", "llm_endpoint",
				fmt.Errorf("%w: required in LLM mode", ErrMissingRequiredField))
		}
		if c.LLMAPIKeyEnv != "" && os.Getenv(c.LLMAPIKeyEnv) == "" {
			return NewValidationError("classifier", "llm_api_key_env",
				fmt.Errorf("%w: environment variable %s is not set", ErrMissingRequiredField, c.LLMAPIKeyEnv))
		}
	}
	return nil
}

func (v *Validator) validateGateway(section string, g GatewayConfig) error {
	if g.Addr == "" {
		return NewValidationError(section, "addr", ErrMissingRequiredField)
	}
	if g.MaxConcurrency < 1 {
		return NewValidationError(section, "max_concurrency",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if g.MaxQueueSize < 0 {
		return NewValidationError(section, "max_queue_size",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateNotifications() error {
	n := v.cfg.Notifications
	if n.SlackEnabled {
		if n.SlackChannel == "" {
			return NewValidationError("notifications", "slack_channel",
				fmt.Errorf("%w: required when slack is enabled", ErrMissingRequiredField))
		}
		if n.SlackTokenEnv == "" {
			return NewValidationError("notifications", "slack_token_env",
				fmt.Errorf("%w: required when slack is enabled", ErrMissingRequiredField))
		}
	}
	return nil
}
