// Package llmadapter fronts an OpenAI-compatible model endpoint with the
// classification contract: bounded concurrency, per-request deadlines,
// status-aware retries, a circuit breaker, and tolerant response parsing.
package llmadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/riskflow-io/riskflow/pkg/domain"
	"github.com/riskflow-io/riskflow/pkg/retry"
)

// UpstreamError carries the upstream HTTP status so the retry policy can
// decide whether another attempt is worth it.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("llmadapter: upstream status %d", e.Status)
}

// Retryable reports whether the status is in the retryable set: request
// timeout, conflict, too-early, rate limit, or any server error.
func (e *UpstreamError) Retryable() bool {
	switch e.Status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return e.Status >= 500
}

// ClientConfig parameterizes the upstream client.
type ClientConfig struct {
	BaseURL string
	APIKey  string

	// Model is the default model; classify requests may override it.
	Model string

	// Timeout is the per-request deadline. Default 8s.
	Timeout time.Duration

	// MaxRetries is the number of re-attempts after the first try. Default 2.
	MaxRetries int

	// RetryBaseDelay is the backoff unit between attempts. Default 150ms.
	RetryBaseDelay time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 8 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 150 * time.Millisecond
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
}

// defaultInstructions is the system prompt when the caller supplies none.
const defaultInstructions = `You are a supply-chain risk analyst. Given a raw signal, respond with a single JSON object containing: event_type, severity_level (LOW|MEDIUM|HIGH|CRITICAL), impact_region, expected_duration_hours, classification_confidence (0..1), model_version.`

// Client calls an OpenAI-compatible /v1/chat/completions endpoint and
// extracts a structured risk from the reply.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates a Client. BaseURL must be non-empty.
func NewClient(cfg ClientConfig) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "llm-upstream",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: slog.Default().With("component", "llm-client", "upstream", cfg.BaseURL),
	}
}

// BaseURL returns the configured upstream base URL.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

type chatRequest struct {
	Model          string         `json:"model"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
	Messages       []chatMessage  `json:"messages"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Classify sends the signal upstream and returns the resolved structured
// risk. model and instructions override the configured defaults when
// non-empty.
func (c *Client) Classify(ctx context.Context, signal domain.Signal, model, instructions string) (domain.StructuredRisk, error) {
	if model == "" {
		model = c.cfg.Model
	}
	if instructions == "" {
		instructions = defaultInstructions
	}

	signalJSON, err := json.Marshal(signal)
	if err != nil {
		return domain.StructuredRisk{}, fmt.Errorf("llmadapter: marshal signal: %w", err)
	}
	body, err := json.Marshal(chatRequest{
		Model:          model,
		Temperature:    0,
		ResponseFormat: responseFormat{Type: "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: instructions},
			{Role: "user", Content: string(signalJSON)},
		},
	})
	if err != nil {
		return domain.StructuredRisk{}, fmt.Errorf("llmadapter: marshal request: %w", err)
	}

	var content string
	err = retry.WithRetry(ctx, retry.Options{
		Attempts:  c.cfg.MaxRetries + 1,
		BaseDelay: c.cfg.RetryBaseDelay,
		OnRetry: func(a retry.Attempt) {
			c.logger.Warn("Upstream call failed, retrying",
				"event_id", signal.EventID, "attempt", a.Attempt,
				"delay_ms", a.Delay.Milliseconds(), "error", a.Err)
		},
	}, func() error {
		got, err := c.breaker.Execute(func() (any, error) {
			return c.complete(ctx, body)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return retry.Permanent(err)
			}
			var upstream *UpstreamError
			if errors.As(err, &upstream) && !upstream.Retryable() {
				return retry.Permanent(err)
			}
			return err
		}
		content = got.(string)
		return nil
	})
	if err != nil {
		return domain.StructuredRisk{}, err
	}

	draft, err := ExtractRiskDraft(content)
	if err != nil {
		return domain.StructuredRisk{}, err
	}
	risk, _ := domain.ResolveStructuredRisk(draft)
	risk.EventID = signal.EventID
	if risk.ModelVersion == "" {
		risk.ModelVersion = model
	}
	return risk, nil
}

// complete performs one upstream round-trip and returns the first choice's
// content. Timeouts read as status 408 so the retry policy treats them like
// an upstream request timeout.
func (c *Client) complete(ctx context.Context, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llmadapter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return "", &UpstreamError{Status: http.StatusRequestTimeout}
		}
		return "", fmt.Errorf("llmadapter: upstream request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("llmadapter: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &UpstreamError{Status: resp.StatusCode, Body: string(raw)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("llmadapter: parse completion: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llmadapter: completion has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
