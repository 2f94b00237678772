// Package mitigation turns risk evaluations into actionable plans.
package mitigation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/riskflow-io/riskflow/pkg/domain"
	"github.com/riskflow-io/riskflow/pkg/risk"
)

// Planner is the plan-creation contract.
type Planner interface {
	CreatePlan(ctx context.Context, eval domain.RiskEvaluation, structured domain.StructuredRisk) (domain.MitigationPlan, bool, error)
}

// templates map risk tiers to action playbooks. Critical plans always need
// a human sign-off.
var templates = map[string][]string{
	risk.TierCritical: {
		"Activate incident response bridge",
		"Reroute in-transit shipments away from the impact region",
		"Engage backup suppliers for affected SKUs",
		"Notify account teams of expected delays",
	},
	risk.TierHigh: {
		"Reroute in-transit shipments away from the impact region",
		"Place precautionary orders with alternate suppliers",
		"Increase safety stock for affected lanes",
	},
	risk.TierModerate: {
		"Flag affected lanes for daily review",
		"Pre-draft customer communications",
	},
}

// TemplatePlanner emits a templated plan for evaluations at or above its
// minimum tier and skips the rest.
type TemplatePlanner struct {
	// MinTier is the lowest tier that produces a plan. Default MODERATE.
	MinTier string

	now   func() time.Time
	newID func() string
}

// NewTemplatePlanner creates a planner with the default MODERATE floor.
func NewTemplatePlanner() *TemplatePlanner {
	return &TemplatePlanner{
		MinTier: risk.TierModerate,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

var tierRank = map[string]int{
	risk.TierLow:      0,
	risk.TierModerate: 1,
	risk.TierHigh:     2,
	risk.TierCritical: 3,
}

// CreatePlan returns (plan, true) for evaluations at or above MinTier and
// (zero, false) below it. Skipping is not an error.
func (p *TemplatePlanner) CreatePlan(ctx context.Context, eval domain.RiskEvaluation, structured domain.StructuredRisk) (domain.MitigationPlan, bool, error) {
	if tierRank[eval.RiskTier] < tierRank[p.MinTier] {
		return domain.MitigationPlan{}, false, nil
	}

	actions := templates[eval.RiskTier]
	if len(actions) == 0 {
		actions = templates[risk.TierModerate]
	}

	return domain.MitigationPlan{
		PlanID:         p.newID(),
		EventID:        eval.EventID,
		RiskTier:       eval.RiskTier,
		Actions:        actions,
		ImpactRegion:   structured.ImpactRegion,
		CreatedAtUTC:   p.now().UTC().Format(time.RFC3339),
		RequiresManual: eval.RiskTier == risk.TierCritical,
	}, true, nil
}
