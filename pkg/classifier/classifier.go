// Package classifier turns normalized signals into structured risks, either
// with local keyword rules or by delegating to the LLM adapter.
package classifier

import (
	"context"
	"strings"
	"time"

	"github.com/riskflow-io/riskflow/pkg/domain"
)

// Classifier is the single contract every classification backend implements.
type Classifier interface {
	Classify(ctx context.Context, signal domain.Signal) (domain.StructuredRisk, error)
}

// Mode selects the classification backend.
type Mode string

const (
	ModeRuleBased Mode = "RULE_BASED"
	ModeLLM       Mode = "LLM"
)

// rule maps keyword hits to a typed risk.
type rule struct {
	keywords  []string
	eventType string
	severity  string
	duration  float64
}

// rules are evaluated in order; the first match wins. Keep the more severe
// patterns first so "port strike escalates into riots" reads as unrest.
var rules = []rule{
	{[]string{"riot", "unrest", "looting"}, "CIVIL_UNREST", "CRITICAL", 96},
	{[]string{"earthquake", "tsunami"}, "EARTHQUAKE", "CRITICAL", 168},
	{[]string{"hurricane", "typhoon", "cyclone"}, "SEVERE_WEATHER", "HIGH", 72},
	{[]string{"flood", "flooding"}, "FLOOD", "HIGH", 48},
	{[]string{"wildfire", "forest fire"}, "WILDFIRE", "HIGH", 72},
	{[]string{"strike", "walkout", "industrial action"}, "LABOR_DISRUPTION", "MEDIUM", 72},
	{[]string{"port closure", "port congestion", "berth delay"}, "PORT_DISRUPTION", "MEDIUM", 48},
	{[]string{"closure", "road closed", "accident", "derailment"}, "TRANSPORT_DISRUPTION", "MEDIUM", 24},
	{[]string{"shortage", "stockout", "supply constraint"}, "SUPPLY_SHORTAGE", "MEDIUM", 120},
	{[]string{"storm", "snow", "blizzard", "ice"}, "SEVERE_WEATHER", "LOW", 24},
}

// RuleBased classifies by keyword match against the raw content. Confidence
// is the signal's own confidence damped by a fixed rule factor; an unmatched
// signal classifies as OTHER with low confidence so the threshold router can
// drop it.
type RuleBased struct {
	ModelVersion string
}

// NewRuleBased creates the rule-based classifier.
func NewRuleBased(modelVersion string) *RuleBased {
	if modelVersion == "" {
		modelVersion = "rules-v1"
	}
	return &RuleBased{ModelVersion: modelVersion}
}

func (r *RuleBased) Classify(ctx context.Context, signal domain.Signal) (domain.StructuredRisk, error) {
	content := strings.ToLower(signal.RawContent)

	for _, rule := range rules {
		for _, kw := range rule.keywords {
			if !strings.Contains(content, kw) {
				continue
			}
			return domain.StructuredRisk{
				EventID:                  signal.EventID,
				EventType:                rule.eventType,
				SeverityLevel:            rule.severity,
				ImpactRegion:             signal.GeographicScope,
				ExpectedDurationHours:    rule.duration,
				ClassificationConfidence: 0.9 * signal.SignalConfidence,
				ModelVersion:             r.ModelVersion,
			}, nil
		}
	}

	return domain.StructuredRisk{
		EventID:                  signal.EventID,
		EventType:                "OTHER",
		SeverityLevel:            "LOW",
		ImpactRegion:             signal.GeographicScope,
		ClassificationConfidence: 0.2 * signal.SignalConfidence,
		ModelVersion:             r.ModelVersion,
	}, nil
}

// LLMClient is the slice of the adapter client the LLM classifier needs.
type LLMClient interface {
	Classify(ctx context.Context, signal domain.Signal, model, instructions string) (domain.StructuredRisk, error)
}

// LLM delegates classification to the adapter client.
type LLM struct {
	client  LLMClient
	model   string
	timeout time.Duration
}

// NewLLM creates the LLM-backed classifier. timeout <= 0 means 8s.
func NewLLM(client LLMClient, model string, timeout time.Duration) *LLM {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &LLM{client: client, model: model, timeout: timeout}
}

func (l *LLM) Classify(ctx context.Context, signal domain.Signal) (domain.StructuredRisk, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.client.Classify(ctx, signal, l.model, "")
}
