package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskflow-io/riskflow/pkg/bus"
	"github.com/riskflow-io/riskflow/pkg/classifier"
	"github.com/riskflow-io/riskflow/pkg/dedup"
	"github.com/riskflow-io/riskflow/pkg/domain"
	"github.com/riskflow-io/riskflow/pkg/ingest"
	"github.com/riskflow-io/riskflow/pkg/mitigation"
	"github.com/riskflow-io/riskflow/pkg/notify"
	"github.com/riskflow-io/riskflow/pkg/planning"
	"github.com/riskflow-io/riskflow/pkg/risk"
	"github.com/riskflow-io/riskflow/pkg/worker"
)

func msgFor(t *testing.T, stream string, v any) bus.ConsumerMessage {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return bus.ConsumerMessage{
		Record: bus.Record{Stream: stream, ID: "1-0", Payload: payload},
		Group:  "test", Consumer: "test-1",
	}
}

func planningStore(t *testing.T) *planning.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return planning.NewRedisStore(client)
}

func TestIngestionHandler(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(1000)
	svc := ingest.NewService(b, dedup.NewMemoryStore(time.Hour), nil, ingest.Config{
		MaxPublishAttempts: 1,
	})
	h := NewIngestionHandler(svc)

	raw := map[string]any{
		"event_id": "e1", "source_type": "NEWS", "raw_content": "port strike",
	}
	require.NoError(t, h(ctx, msgFor(t, domain.StreamRawInputSignals, raw)))

	records, err := b.ReadRecent(ctx, domain.StreamExternalSignals, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	t.Run("unnormalizable event is dropped, not retried", func(t *testing.T) {
		empty := map[string]any{"event_id": "e2"}
		assert.NoError(t, h(ctx, msgFor(t, domain.StreamRawInputSignals, empty)))
	})

	t.Run("publish failure leaves the message for redelivery", func(t *testing.T) {
		b.FailPublishes(1)
		raw := map[string]any{"event_id": "e3", "raw_content": "flooding"}
		err := h(ctx, msgFor(t, domain.StreamRawInputSignals, raw))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pending")

		// Redelivery succeeds once the transport recovers.
		assert.NoError(t, h(ctx, msgFor(t, domain.StreamRawInputSignals, raw)))
	})

	t.Run("undecodable payload is a handler error", func(t *testing.T) {
		msg := bus.ConsumerMessage{Record: bus.Record{
			Stream: domain.StreamRawInputSignals, ID: "2-0", Payload: []byte("[1,2]"),
		}}
		require.Error(t, h(ctx, msg))
	})
}

func TestClassificationHandler(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(1000)
	h := NewClassificationHandler(classifier.NewRuleBased(""), b, ClassificationConfig{})

	t.Run("confident classification is published", func(t *testing.T) {
		sig := domain.Signal{
			EventID: "e1", RawContent: "riots near the port", SignalConfidence: 0.9,
		}
		require.NoError(t, h(ctx, msgFor(t, domain.StreamExternalSignals, sig)))

		records, err := b.ReadRecent(ctx, domain.StreamClassifiedEvents, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		var out domain.StructuredRisk
		require.NoError(t, json.Unmarshal(records[0].Payload, &out))
		assert.Equal(t, "CIVIL_UNREST", out.EventType)
	})

	t.Run("OTHER classification is dropped", func(t *testing.T) {
		sig := domain.Signal{EventID: "e2", RawContent: "nothing notable", SignalConfidence: 0.9}
		require.NoError(t, h(ctx, msgFor(t, domain.StreamExternalSignals, sig)))
		records, err := b.ReadRecent(ctx, domain.StreamClassifiedEvents, 10)
		require.NoError(t, err)
		assert.Len(t, records, 1, "no new record")
	})

	t.Run("low confidence is dropped", func(t *testing.T) {
		// Rules damp confidence to 0.9 × signal; 0.5 lands below 0.65.
		sig := domain.Signal{EventID: "e3", RawContent: "flooding reported", SignalConfidence: 0.5}
		require.NoError(t, h(ctx, msgFor(t, domain.StreamExternalSignals, sig)))
		records, err := b.ReadRecent(ctx, domain.StreamClassifiedEvents, 10)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

func TestRiskHandler(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(1000)
	h := NewRiskHandler(risk.NewWeightedEvaluator(), b, "")

	in := domain.StructuredRisk{
		EventID: "e1", EventType: "CIVIL_UNREST", SeverityLevel: "CRITICAL",
		ImpactRegion: "EU-West", ExpectedDurationHours: 96, ClassificationConfidence: 0.81,
	}
	require.NoError(t, h(ctx, msgFor(t, domain.StreamClassifiedEvents, in)))

	records, err := b.ReadRecent(ctx, domain.StreamRiskEvaluations, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	var scored ScoredEvent
	require.NoError(t, json.Unmarshal(records[0].Payload, &scored))
	assert.Equal(t, "e1", scored.Evaluation.EventID)
	assert.Equal(t, "CRITICAL", scored.Evaluation.RiskTier)
	assert.Equal(t, "EU-West", scored.Risk.ImpactRegion, "structured risk rides along")
}

func TestMitigationHandler(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(1000)
	h := NewMitigationHandler(mitigation.NewTemplatePlanner(), b, "")

	t.Run("high tier produces a plan", func(t *testing.T) {
		scored := ScoredEvent{
			Evaluation: domain.RiskEvaluation{EventID: "e1", RiskScore: 0.7, RiskTier: "HIGH"},
			Risk:       domain.StructuredRisk{EventID: "e1", ImpactRegion: "EU-West"},
		}
		require.NoError(t, h(ctx, msgFor(t, domain.StreamRiskEvaluations, scored)))

		records, err := b.ReadRecent(ctx, domain.StreamMitigationPlans, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		var plan domain.MitigationPlan
		require.NoError(t, json.Unmarshal(records[0].Payload, &plan))
		assert.Equal(t, "e1", plan.EventID)
		assert.Equal(t, "EU-West", plan.ImpactRegion)
	})

	t.Run("low tier is acknowledged without a plan", func(t *testing.T) {
		scored := ScoredEvent{
			Evaluation: domain.RiskEvaluation{EventID: "e2", RiskScore: 0.2, RiskTier: "LOW"},
		}
		require.NoError(t, h(ctx, msgFor(t, domain.StreamRiskEvaluations, scored)))
		records, err := b.ReadRecent(ctx, domain.StreamMitigationPlans, 10)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

type fakeDispatcher struct {
	sent []domain.Notification
	err  error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, n domain.Notification) error {
	f.sent = append(f.sent, n)
	return f.err
}

func TestNotificationHandler(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(1000)
	d := &fakeDispatcher{}
	h := NewNotificationHandler(d, b, "")

	plan := domain.MitigationPlan{
		PlanID: "p1", EventID: "e1", RiskTier: "CRITICAL", ImpactRegion: "EU-West",
		Actions: []string{"Reroute in-transit shipments"}, RequiresManual: true,
	}
	require.NoError(t, h(ctx, msgFor(t, domain.StreamMitigationPlans, plan)))

	require.Len(t, d.sent, 1)
	assert.Equal(t, "CRITICAL", d.sent[0].Severity)

	records, err := b.ReadRecent(ctx, domain.StreamNotifications, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	var n domain.Notification
	require.NoError(t, json.Unmarshal(records[0].Payload, &n))
	assert.Equal(t, "p1", n.PlanID)
	assert.Equal(t, d.sent[0].NotificationID, n.NotificationID)

	t.Run("dispatch failure blocks the stream record", func(t *testing.T) {
		failing := &fakeDispatcher{err: errors.New("slack down")}
		h := NewNotificationHandler(failing, b, "")
		err := h(ctx, msgFor(t, domain.StreamMitigationPlans, plan))
		require.Error(t, err)
		records, err2 := b.ReadRecent(ctx, domain.StreamNotifications, 10)
		require.NoError(t, err2)
		assert.Len(t, records, 1, "no record for the failed dispatch")
	})
}

func TestBuildNotification(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	n := BuildNotification(domain.MitigationPlan{
		PlanID: "p1", EventID: "e1", RiskTier: "HIGH", ImpactRegion: "APAC",
		Actions: []string{"Hold outbound orders", "Notify carrier"},
	}, now)

	assert.NotEmpty(t, n.NotificationID)
	assert.Equal(t, "HIGH supply-chain risk in APAC", n.Subject)
	assert.Contains(t, n.Body, "- Hold outbound orders")
	assert.Contains(t, n.Body, "- Notify carrier")
	assert.NotContains(t, n.Body, "Manual review")
	assert.Equal(t, "2026-08-25T12:00:00Z", n.CreatedAtUTC)
}

func TestPlanningUpsertHandlers(t *testing.T) {
	ctx := context.Background()
	store := planningStore(t)

	shipments := NewShipmentUpsertHandler(store)
	require.NoError(t, shipments(ctx, msgFor(t, domain.StreamShipmentPlans, domain.ShipmentPlan{
		ShipmentID: "sh-1", LaneID: "rtm-ham", Region: "EU-West",
	})))
	got, err := store.ShipmentsByRegion(ctx, "EU-West")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.Error(t, shipments(ctx, msgFor(t, domain.StreamShipmentPlans, domain.ShipmentPlan{
		LaneID: "rtm-ham",
	})), "missing shipment_id")

	inventory := NewInventoryUpsertHandler(store)
	require.NoError(t, inventory(ctx, msgFor(t, domain.StreamInventorySnapshots, domain.InventorySnapshot{
		SKU: "widget-9", SiteID: "dc-rtm", Region: "EU-West",
	})))
	snaps, err := store.InventoryByRegion(ctx, "EU-West")
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	require.Error(t, inventory(ctx, msgFor(t, domain.StreamInventorySnapshots, domain.InventorySnapshot{
		SKU: "widget-9",
	})), "missing site_id")
}

// TestPipelineEndToEnd runs a raw signal through every stage on the in-memory
// bus and checks that it comes out the far end as a notification and a
// flagged shipment.
func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(1000)
	store := planningStore(t)
	channel := &fakeChannel{name: "log"}

	router := notify.NewRouter()
	router.RegisterChannel(channel)
	router.SetFallback("log")

	svc := ingest.NewService(b, dedup.NewMemoryStore(time.Hour), nil, ingest.Config{})
	require.NoError(t, store.SaveShipment(ctx, domain.ShipmentPlan{
		ShipmentID: "sh-1", LaneID: "rtm-ham", Region: "EU-West",
	}))

	stages := []struct {
		stream  string
		group   string
		handler worker.Handler
	}{
		{domain.StreamRawInputSignals, GroupIngestion, NewIngestionHandler(svc)},
		{domain.StreamExternalSignals, GroupClassification,
			NewClassificationHandler(classifier.NewRuleBased(""), b, ClassificationConfig{})},
		{domain.StreamClassifiedEvents, GroupRiskEngine,
			NewRiskHandler(risk.NewWeightedEvaluator(), b, "")},
		{domain.StreamRiskEvaluations, GroupMitigation,
			NewMitigationHandler(mitigation.NewTemplatePlanner(), b, "")},
		{domain.StreamMitigationPlans, GroupNotification,
			NewNotificationHandler(router, b, "")},
		{domain.StreamMitigationPlans, GroupPlanningImpact,
			NewImpactHandler(planning.NewImpact(store, b))},
	}

	workers := make([]*worker.Worker, 0, len(stages))
	for _, st := range stages {
		w := worker.New(b, worker.NewMemoryAttemptStore(), st.handler, worker.Config{
			Stream: st.stream, Group: st.group, Block: -1,
		})
		require.NoError(t, w.Init(ctx))
		workers = append(workers, w)
	}

	_, err := b.Publish(ctx, domain.StreamRawInputSignals, map[string]any{
		"event_id":          "e1",
		"source_type":       "NEWS",
		"raw_content":       "riots and looting around the container terminal",
		"geographic_scope":  "EU-West",
		"signal_confidence": 0.9,
	}, nil)
	require.NoError(t, err)

	for _, w := range workers {
		handled, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, handled)
	}

	require.Len(t, channel.sent, 1)
	assert.Equal(t, "CRITICAL", channel.sent[0].Severity)
	assert.Equal(t, "e1", channel.sent[0].EventID)

	records, err := b.ReadRecent(ctx, domain.StreamAtRiskShipments, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	var flagged domain.AtRiskShipment
	require.NoError(t, json.Unmarshal(records[0].Payload, &flagged))
	assert.Equal(t, "sh-1", flagged.ShipmentID)
	assert.Equal(t, "CRITICAL", flagged.RiskTier)

	records, err = b.ReadRecent(ctx, domain.StreamNotifications, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

type fakeChannel struct {
	name string
	sent []domain.Notification
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, n domain.Notification) error {
	f.sent = append(f.sent, n)
	return nil
}
