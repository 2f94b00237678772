// Package pipeline binds the domain plug-ins (classifier, risk evaluator,
// mitigation planner, notification router, planning store) to the generic
// worker loop. Each constructor returns a worker.Handler for one stage.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/riskflow-io/riskflow/pkg/bus"
	"github.com/riskflow-io/riskflow/pkg/classifier"
	"github.com/riskflow-io/riskflow/pkg/domain"
	"github.com/riskflow-io/riskflow/pkg/ingest"
	"github.com/riskflow-io/riskflow/pkg/mitigation"
	"github.com/riskflow-io/riskflow/pkg/planning"
	"github.com/riskflow-io/riskflow/pkg/worker"
)

// Consumer-group names, one per stage.
const (
	GroupIngestion       = "ingestion"
	GroupClassification  = "classification"
	GroupRiskEngine      = "risk-engine"
	GroupMitigation      = "mitigation"
	GroupNotification    = "notification"
	GroupPlanningImpact  = "planning-impact"
	GroupShipmentUpsert  = "planning-shipments"
	GroupInventoryUpsert = "planning-inventory"
)

// ScoredEvent is the record the risk stage publishes: the evaluation together
// with the structured risk it was computed from, so the mitigation stage can
// plan without a second lookup.
type ScoredEvent struct {
	Evaluation domain.RiskEvaluation `json:"evaluation"`
	Risk       domain.StructuredRisk `json:"structured_risk"`
}

// decode unmarshals a message payload into T. A payload that does not parse
// is a handler error; the delivery-count policy dead-letters it eventually.
func decode[T any](msg bus.ConsumerMessage) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("pipeline: decode %s message %s: %w", msg.Stream, msg.ID, err)
	}
	return v, nil
}

// NewIngestionHandler feeds raw gateway submissions through the ingestion
// service. Events that fail normalization are dropped with a log line; a
// signal still pending after the service's publish retries leaves the
// message unacknowledged so the bus redelivers it.
func NewIngestionHandler(svc *ingest.Service) worker.Handler {
	return func(ctx context.Context, msg bus.ConsumerMessage) error {
		raw, err := decode[map[string]any](msg)
		if err != nil {
			return err
		}
		summary := svc.IngestSignals(ctx, []map[string]any{raw})
		if summary.Pending > 0 {
			return fmt.Errorf("pipeline: signal publish incomplete, %d pending", summary.Pending)
		}
		return nil
	}
}

// ClassificationConfig tunes the classification stage.
type ClassificationConfig struct {
	// OutputStream defaults to the classified-events stream.
	OutputStream string

	// ConfidenceThreshold routes low-confidence classifications away from
	// the risk stage. Default 0.65.
	ConfidenceThreshold float64
}

func (c *ClassificationConfig) applyDefaults() {
	if c.OutputStream == "" {
		c.OutputStream = domain.StreamClassifiedEvents
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.65
	}
}

// NewClassificationHandler classifies normalized signals and publishes the
// structured risks worth scoring. OTHER classifications and those below the
// confidence threshold are acknowledged without publishing.
func NewClassificationHandler(c classifier.Classifier, publisher bus.EventPublisher, cfg ClassificationConfig) worker.Handler {
	cfg.applyDefaults()
	logger := slog.Default().With("component", "pipeline-classification")
	return func(ctx context.Context, msg bus.ConsumerMessage) error {
		signal, err := decode[domain.Signal](msg)
		if err != nil {
			return err
		}
		risk, err := c.Classify(ctx, signal)
		if err != nil {
			return fmt.Errorf("pipeline: classify %s: %w", signal.EventID, err)
		}
		if risk.EventType == "OTHER" || risk.ClassificationConfidence < cfg.ConfidenceThreshold {
			logger.Info("Routing classification away from risk stage",
				"event_id", risk.EventID, "event_type", risk.EventType,
				"confidence", risk.ClassificationConfidence)
			return nil
		}
		if _, err := publisher.Publish(ctx, cfg.OutputStream, risk, nil); err != nil {
			return fmt.Errorf("pipeline: publish classification %s: %w", risk.EventID, err)
		}
		return nil
	}
}

// Evaluator scores one structured risk.
type Evaluator interface {
	Evaluate(ctx context.Context, risk domain.StructuredRisk) (domain.RiskEvaluation, error)
}

// NewRiskHandler scores classified events and publishes the scored record.
func NewRiskHandler(e Evaluator, publisher bus.EventPublisher, outputStream string) worker.Handler {
	if outputStream == "" {
		outputStream = domain.StreamRiskEvaluations
	}
	return func(ctx context.Context, msg bus.ConsumerMessage) error {
		risk, err := decode[domain.StructuredRisk](msg)
		if err != nil {
			return err
		}
		eval, err := e.Evaluate(ctx, risk)
		if err != nil {
			return fmt.Errorf("pipeline: evaluate %s: %w", risk.EventID, err)
		}
		scored := ScoredEvent{Evaluation: eval, Risk: risk}
		if _, err := publisher.Publish(ctx, outputStream, scored, nil); err != nil {
			return fmt.Errorf("pipeline: publish evaluation %s: %w", eval.EventID, err)
		}
		return nil
	}
}

// NewMitigationHandler turns scored events into mitigation plans. Evaluations
// below the planner's tier threshold are acknowledged without a plan.
func NewMitigationHandler(p mitigation.Planner, publisher bus.EventPublisher, outputStream string) worker.Handler {
	if outputStream == "" {
		outputStream = domain.StreamMitigationPlans
	}
	logger := slog.Default().With("component", "pipeline-mitigation")
	return func(ctx context.Context, msg bus.ConsumerMessage) error {
		scored, err := decode[ScoredEvent](msg)
		if err != nil {
			return err
		}
		plan, created, err := p.CreatePlan(ctx, scored.Evaluation, scored.Risk)
		if err != nil {
			return fmt.Errorf("pipeline: plan %s: %w", scored.Evaluation.EventID, err)
		}
		if !created {
			logger.Debug("Evaluation below planning threshold",
				"event_id", scored.Evaluation.EventID, "risk_tier", scored.Evaluation.RiskTier)
			return nil
		}
		if _, err := publisher.Publish(ctx, outputStream, plan, nil); err != nil {
			return fmt.Errorf("pipeline: publish plan %s: %w", plan.PlanID, err)
		}
		return nil
	}
}

// Dispatcher fans one notification out to its routed channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, n domain.Notification) error
}

// NewNotificationHandler builds a notification from each mitigation plan,
// dispatches it, and records it on the notifications stream. Dispatch comes
// first: delivery is the point of the stage, and redelivering after a partial
// failure at worst repeats a channel message.
func NewNotificationHandler(d Dispatcher, publisher bus.EventPublisher, outputStream string) worker.Handler {
	if outputStream == "" {
		outputStream = domain.StreamNotifications
	}
	return func(ctx context.Context, msg bus.ConsumerMessage) error {
		plan, err := decode[domain.MitigationPlan](msg)
		if err != nil {
			return err
		}
		n := BuildNotification(plan, time.Now())
		if err := d.Dispatch(ctx, n); err != nil {
			return fmt.Errorf("pipeline: dispatch notification for plan %s: %w", plan.PlanID, err)
		}
		if _, err := publisher.Publish(ctx, outputStream, n, nil); err != nil {
			return fmt.Errorf("pipeline: publish notification %s: %w", n.NotificationID, err)
		}
		return nil
	}
}

// BuildNotification composes the human-facing notification for a plan.
func BuildNotification(plan domain.MitigationPlan, now time.Time) domain.Notification {
	var body strings.Builder
	fmt.Fprintf(&body, "Risk tier %s", plan.RiskTier)
	if plan.ImpactRegion != "" {
		fmt.Fprintf(&body, " in %s", plan.ImpactRegion)
	}
	body.WriteString(".")
	if len(plan.Actions) > 0 {
		body.WriteString(" Recommended actions:")
		for _, a := range plan.Actions {
			body.WriteString("\n- " + a)
		}
	}
	if plan.RequiresManual {
		body.WriteString("\nManual review required.")
	}

	subject := fmt.Sprintf("%s supply-chain risk", plan.RiskTier)
	if plan.ImpactRegion != "" {
		subject = fmt.Sprintf("%s supply-chain risk in %s", plan.RiskTier, plan.ImpactRegion)
	}

	return domain.Notification{
		NotificationID: uuid.NewString(),
		EventID:        plan.EventID,
		PlanID:         plan.PlanID,
		Severity:       plan.RiskTier,
		Subject:        subject,
		Body:           body.String(),
		CreatedAtUTC:   now.UTC().Format(time.RFC3339),
	}
}

// NewShipmentUpsertHandler persists shipment plans from the planning gateway.
func NewShipmentUpsertHandler(store planning.Store) worker.Handler {
	return func(ctx context.Context, msg bus.ConsumerMessage) error {
		plan, err := decode[domain.ShipmentPlan](msg)
		if err != nil {
			return err
		}
		if plan.ShipmentID == "" {
			return fmt.Errorf("pipeline: shipment record %s has no shipment_id", msg.ID)
		}
		return store.SaveShipment(ctx, plan)
	}
}

// NewInventoryUpsertHandler persists inventory snapshots from the planning gateway.
func NewInventoryUpsertHandler(store planning.Store) worker.Handler {
	return func(ctx context.Context, msg bus.ConsumerMessage) error {
		snap, err := decode[domain.InventorySnapshot](msg)
		if err != nil {
			return err
		}
		if snap.SKU == "" || snap.SiteID == "" {
			return fmt.Errorf("pipeline: inventory record %s missing sku or site_id", msg.ID)
		}
		return store.SaveInventory(ctx, snap)
	}
}

// NewImpactHandler joins mitigation plans against the planning picture.
func NewImpactHandler(impact *planning.Impact) worker.Handler {
	return func(ctx context.Context, msg bus.ConsumerMessage) error {
		plan, err := decode[domain.MitigationPlan](msg)
		if err != nil {
			return err
		}
		if _, err := impact.Evaluate(ctx, plan); err != nil {
			return fmt.Errorf("pipeline: impact for plan %s: %w", plan.PlanID, err)
		}
		return nil
	}
}
