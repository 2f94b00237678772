package domain

// Stream names are wire constants shared by every service; changing one is a
// breaking change for all in-flight consumers.
const (
	StreamRawInputSignals    = "raw-input-signals"
	StreamExternalSignals    = "external-signals"
	StreamClassifiedEvents   = "classified-events"
	StreamRiskEvaluations    = "risk-evaluations"
	StreamMitigationPlans    = "mitigation-plans"
	StreamNotifications      = "notifications"
	StreamShipmentPlans      = "shipment-plans"
	StreamInventorySnapshots = "inventory-snapshots"
	StreamAtRiskShipments    = "at-risk-shipments"
	StreamInventoryExposures = "inventory-exposures"
)
