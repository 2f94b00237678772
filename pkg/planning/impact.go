package planning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riskflow-io/riskflow/pkg/bus"
	"github.com/riskflow-io/riskflow/pkg/domain"
)

// ImpactSummary counts what one mitigation plan flagged.
type ImpactSummary struct {
	ShipmentsFlagged int
	ExposuresFlagged int
}

// Impact joins mitigation plans against the planning picture and publishes
// at-risk shipments and inventory exposures for everything in the plan's
// impact region.
type Impact struct {
	store     Store
	publisher bus.EventPublisher
	now       func() time.Time
	logger    *slog.Logger
}

// NewImpact creates an Impact joiner.
func NewImpact(store Store, publisher bus.EventPublisher) *Impact {
	return &Impact{
		store:     store,
		publisher: publisher,
		now:       time.Now,
		logger:    slog.Default().With("component", "planning-impact"),
	}
}

// Evaluate flags every shipment and inventory position in the plan's impact
// region. A plan without an impact region matches nothing.
func (i *Impact) Evaluate(ctx context.Context, plan domain.MitigationPlan) (ImpactSummary, error) {
	var summary ImpactSummary
	if plan.ImpactRegion == "" {
		return summary, nil
	}
	flaggedAt := i.now().UTC().Format(time.RFC3339)

	shipments, err := i.store.ShipmentsByRegion(ctx, plan.ImpactRegion)
	if err != nil {
		return summary, err
	}
	for _, s := range shipments {
		flagged := domain.AtRiskShipment{
			ShipmentID:   s.ShipmentID,
			PlanID:       plan.PlanID,
			EventID:      plan.EventID,
			LaneID:       s.LaneID,
			RiskTier:     plan.RiskTier,
			FlaggedAtUTC: flaggedAt,
		}
		if _, err := i.publisher.Publish(ctx, domain.StreamAtRiskShipments, flagged, nil); err != nil {
			return summary, fmt.Errorf("planning: flag shipment %s: %w", s.ShipmentID, err)
		}
		summary.ShipmentsFlagged++
	}

	inventory, err := i.store.InventoryByRegion(ctx, plan.ImpactRegion)
	if err != nil {
		return summary, err
	}
	for _, snap := range inventory {
		exposure := domain.InventoryExposure{
			SKU:          snap.SKU,
			SiteID:       snap.SiteID,
			PlanID:       plan.PlanID,
			EventID:      plan.EventID,
			DaysOfCover:  snap.DaysOfCover,
			RiskTier:     plan.RiskTier,
			FlaggedAtUTC: flaggedAt,
		}
		if _, err := i.publisher.Publish(ctx, domain.StreamInventoryExposures, exposure, nil); err != nil {
			return summary, fmt.Errorf("planning: flag inventory %s/%s: %w", snap.SKU, snap.SiteID, err)
		}
		summary.ExposuresFlagged++
	}

	if summary.ShipmentsFlagged > 0 || summary.ExposuresFlagged > 0 {
		i.logger.Info("Planning impact evaluated",
			"plan_id", plan.PlanID, "region", plan.ImpactRegion,
			"shipments_flagged", summary.ShipmentsFlagged,
			"exposures_flagged", summary.ExposuresFlagged)
	}
	return summary, nil
}
