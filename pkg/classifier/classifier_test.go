package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskflow-io/riskflow/pkg/domain"
)

func TestRuleBasedClassify(t *testing.T) {
	c := NewRuleBased("")
	ctx := context.Background()

	tests := []struct {
		name         string
		content      string
		wantType     string
		wantSeverity string
	}{
		{"hurricane", "Hurricane approaching the gulf coast ports", "SEVERE_WEATHER", "HIGH"},
		{"strike", "Dock workers announce a 48 hour strike", "LABOR_DISRUPTION", "MEDIUM"},
		{"flood", "Severe flooding reported along the Rhine", "FLOOD", "HIGH"},
		{"unrest beats strike", "Port strike escalates into riots downtown", "CIVIL_UNREST", "CRITICAL"},
		{"unmatched", "Quarterly earnings beat expectations", "OTHER", "LOW"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			risk, err := c.Classify(ctx, domain.Signal{
				EventID:          "e1",
				RawContent:       tt.content,
				GeographicScope:  "EU-West",
				SignalConfidence: 0.8,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, risk.EventType)
			assert.Equal(t, tt.wantSeverity, risk.SeverityLevel)
			assert.Equal(t, "e1", risk.EventID)
			assert.Equal(t, "EU-West", risk.ImpactRegion)
			assert.Equal(t, "rules-v1", risk.ModelVersion)
		})
	}
}

func TestRuleBasedConfidenceScalesWithSignal(t *testing.T) {
	c := NewRuleBased("rules-v2")
	risk, err := c.Classify(context.Background(), domain.Signal{
		EventID:          "e1",
		RawContent:       "flood warning",
		SignalConfidence: 0.5,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.45, risk.ClassificationConfidence, 1e-9)

	unmatched, err := c.Classify(context.Background(), domain.Signal{
		EventID:          "e2",
		RawContent:       "nothing of note",
		SignalConfidence: 0.5,
	})
	require.NoError(t, err)
	assert.Less(t, unmatched.ClassificationConfidence, risk.ClassificationConfidence)
}

type fakeLLMClient struct {
	gotModel string
	risk     domain.StructuredRisk
	err      error
}

func (f *fakeLLMClient) Classify(ctx context.Context, signal domain.Signal, model, instructions string) (domain.StructuredRisk, error) {
	f.gotModel = model
	if _, ok := ctx.Deadline(); !ok {
		return domain.StructuredRisk{}, errors.New("expected a deadline")
	}
	return f.risk, f.err
}

func TestLLMClassifierDelegates(t *testing.T) {
	fake := &fakeLLMClient{risk: domain.StructuredRisk{EventID: "e1", EventType: "FLOOD"}}
	c := NewLLM(fake, "risk-model-2", 0)

	risk, err := c.Classify(context.Background(), domain.Signal{EventID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, "FLOOD", risk.EventType)
	assert.Equal(t, "risk-model-2", fake.gotModel)
}

func TestLLMClassifierPropagatesErrors(t *testing.T) {
	fake := &fakeLLMClient{err: errors.New("upstream down")}
	c := NewLLM(fake, "m", 0)
	_, err := c.Classify(context.Background(), domain.Signal{EventID: "e1"})
	require.Error(t, err)
}
