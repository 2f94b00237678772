// Package risk scores structured risks into tiered evaluations.
package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/riskflow-io/riskflow/pkg/domain"
)

// Evaluator is the scoring contract.
type Evaluator interface {
	Evaluate(ctx context.Context, risk domain.StructuredRisk) (domain.RiskEvaluation, error)
}

// Risk tiers, from ignorable to all-hands.
const (
	TierLow      = "LOW"
	TierModerate = "MODERATE"
	TierHigh     = "HIGH"
	TierCritical = "CRITICAL"
)

var severityWeights = map[string]float64{
	"LOW":      0.25,
	"MEDIUM":   0.5,
	"HIGH":     0.75,
	"CRITICAL": 1.0,
}

// WeightedEvaluator combines severity, confidence, and duration into a
// score in [0,1]. Severity dominates; duration saturates at a week.
type WeightedEvaluator struct {
	SeverityWeight   float64
	ConfidenceWeight float64
	DurationWeight   float64

	now func() time.Time
}

// NewWeightedEvaluator creates an evaluator with the default 0.5/0.3/0.2
// weight split.
func NewWeightedEvaluator() *WeightedEvaluator {
	return &WeightedEvaluator{
		SeverityWeight:   0.5,
		ConfidenceWeight: 0.3,
		DurationWeight:   0.2,
		now:              time.Now,
	}
}

func (e *WeightedEvaluator) Evaluate(ctx context.Context, risk domain.StructuredRisk) (domain.RiskEvaluation, error) {
	severity, ok := severityWeights[strings.ToUpper(risk.SeverityLevel)]
	if !ok {
		severity = severityWeights["LOW"]
	}

	confidence := clamp01(risk.ClassificationConfidence)

	duration := risk.ExpectedDurationHours / 168
	if duration > 1 {
		duration = 1
	} else if duration < 0 {
		duration = 0
	}

	score := e.SeverityWeight*severity + e.ConfidenceWeight*confidence + e.DurationWeight*duration
	tier := tierFor(score)

	return domain.RiskEvaluation{
		EventID:   risk.EventID,
		RiskScore: score,
		RiskTier:  tier,
		Rationale: fmt.Sprintf("severity=%s(%.2f) confidence=%.2f duration=%.0fh type=%s",
			risk.SeverityLevel, severity, confidence, risk.ExpectedDurationHours, risk.EventType),
		EvaluatedAtUTC: e.now().UTC().Format(time.RFC3339),
	}, nil
}

func tierFor(score float64) string {
	switch {
	case score >= 0.8:
		return TierCritical
	case score >= 0.6:
		return TierHigh
	case score >= 0.35:
		return TierModerate
	default:
		return TierLow
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
