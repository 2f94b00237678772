package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StructuredRisk is the classifier's output: a typed description of the risk
// a signal represents.
type StructuredRisk struct {
	EventID                  string  `json:"event_id"`
	EventType                string  `json:"event_type"`
	SeverityLevel            string  `json:"severity_level"`
	ImpactRegion             string  `json:"impact_region"`
	ExpectedDurationHours    float64 `json:"expected_duration_hours"`
	ClassificationConfidence float64 `json:"classification_confidence"`
	ModelVersion             string  `json:"model_version"`
}

// RiskEvaluation is the risk engine's output for one classified event.
type RiskEvaluation struct {
	EventID        string  `json:"event_id"`
	RiskScore      float64 `json:"risk_score"`
	RiskTier       string  `json:"risk_tier"`
	Rationale      string  `json:"rationale"`
	EvaluatedAtUTC string  `json:"evaluated_at_utc"`
}

// MitigationPlan is produced by the planner for evaluations above threshold.
type MitigationPlan struct {
	PlanID         string   `json:"plan_id"`
	EventID        string   `json:"event_id"`
	RiskTier       string   `json:"risk_tier"`
	Actions        []string `json:"actions"`
	ImpactRegion   string   `json:"impact_region"`
	CreatedAtUTC   string   `json:"created_at_utc"`
	RequiresManual bool     `json:"requires_manual"`
}

// Notification is the terminal record routed to delivery channels.
type Notification struct {
	NotificationID string `json:"notification_id"`
	EventID        string `json:"event_id"`
	PlanID         string `json:"plan_id"`
	Severity       string `json:"severity"`
	Channel        string `json:"channel"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	CreatedAtUTC   string `json:"created_at_utc"`
}

// ShipmentPlan is a planning-gateway input joined against mitigation plans.
type ShipmentPlan struct {
	ShipmentID  string  `json:"shipment_id"`
	LaneID      string  `json:"lane_id"`
	Origin      string  `json:"origin"`
	Destination string  `json:"destination"`
	Region      string  `json:"region"`
	ETAUTC      string  `json:"eta_utc"`
	CarrierRef  string  `json:"carrier_ref"`
	ValueUSD    float64 `json:"value_usd"`
}

// InventorySnapshot is a planning-gateway input describing stock at a site.
type InventorySnapshot struct {
	SKU         string  `json:"sku"`
	SiteID      string  `json:"site_id"`
	Region      string  `json:"region"`
	OnHandUnits float64 `json:"on_hand_units"`
	DaysOfCover float64 `json:"days_of_cover"`
	AsOfUTC     string  `json:"as_of_utc"`
}

// AtRiskShipment is emitted when a mitigation plan's region matches a lane.
type AtRiskShipment struct {
	ShipmentID   string `json:"shipment_id"`
	PlanID       string `json:"plan_id"`
	EventID      string `json:"event_id"`
	LaneID       string `json:"lane_id"`
	RiskTier     string `json:"risk_tier"`
	FlaggedAtUTC string `json:"flagged_at_utc"`
}

// InventoryExposure is emitted when a mitigation plan's region matches a site.
type InventoryExposure struct {
	SKU          string  `json:"sku"`
	SiteID       string  `json:"site_id"`
	PlanID       string  `json:"plan_id"`
	EventID      string  `json:"event_id"`
	DaysOfCover  float64 `json:"days_of_cover"`
	RiskTier     string  `json:"risk_tier"`
	FlaggedAtUTC string  `json:"flagged_at_utc"`
}

// riskAliases maps every accepted input field name to its canonical
// structured-risk field. Alias resolution happens once, at the module
// boundary; downstream code only ever sees canonical names.
var riskAliases = map[string]string{
	"event_type":      "event_type",
	"eventtype":       "event_type",
	"risk_event_type": "event_type",
	"risktype":        "event_type",
	"risk_type":       "event_type",
	"riskeventtype":   "event_type",

	"severity_level": "severity_level",
	"severitylevel":  "severity_level",
	"risk_level":     "severity_level",
	"severity":       "severity_level",

	"impact_region":    "impact_region",
	"impactregion":     "impact_region",
	"geographic_scope": "impact_region",
	"region":           "impact_region",

	"expected_duration_hours": "expected_duration_hours",
	"expecteddurationhours":   "expected_duration_hours",
	"duration_hours":          "expected_duration_hours",
	"durationhours":           "expected_duration_hours",

	"classification_confidence": "classification_confidence",
	"classificationconfidence":  "classification_confidence",
	"confidence":                "classification_confidence",
	"probability":               "classification_confidence",

	"model_version": "model_version",
	"modelversion":  "model_version",
	"model_name":    "model_version",
	"model":         "model_version",
}

// ResolveStructuredRisk builds a StructuredRisk from a loosely-keyed draft
// object, resolving camelCase/snake_case synonyms via the alias table.
// Returns the number of canonical fields that were resolved; a draft that
// resolves zero fields is not a structured risk at all.
func ResolveStructuredRisk(draft map[string]any) (StructuredRisk, int) {
	var out StructuredRisk
	resolved := 0
	for key, val := range draft {
		canonical, ok := riskAliases[strings.ToLower(key)]
		if !ok {
			continue
		}
		switch canonical {
		case "event_type":
			if s, ok := asString(val); ok {
				out.EventType = s
				resolved++
			}
		case "severity_level":
			if s, ok := asString(val); ok {
				out.SeverityLevel = strings.ToUpper(s)
				resolved++
			}
		case "impact_region":
			if s, ok := asString(val); ok {
				out.ImpactRegion = s
				resolved++
			}
		case "expected_duration_hours":
			if f, ok := asFloat(val); ok {
				out.ExpectedDurationHours = f
				resolved++
			}
		case "classification_confidence":
			if f, ok := asFloat(val); ok {
				// Percentage-style confidences scale down to [0,1].
				if strings.EqualFold(key, "probability") && f > 1 {
					f = f * 0.01
				}
				out.ClassificationConfidence = f
				resolved++
			}
		case "model_version":
			if s, ok := asString(val); ok {
				out.ModelVersion = s
				resolved++
			}
		}
	}
	return out, resolved
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
