package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	type payload struct {
		EventID string         `json:"event_id"`
		Score   float64        `json:"score"`
		Tags    []string       `json:"tags"`
		Nested  map[string]int `json:"nested"`
	}
	in := payload{EventID: "e1", Score: 0.73, Tags: []string{"a", "b"}, Nested: map[string]int{"x": 1}}

	now := time.Date(2026, 2, 23, 10, 0, 0, 0, time.UTC)
	values, err := encodeEnvelope(in, now)
	require.NoError(t, err)
	assert.Equal(t, now.Format(time.RFC3339Nano), values["published_at_utc"])

	raw, publishedAt, err := decodeEnvelope(values)
	require.NoError(t, err)
	assert.True(t, now.Equal(publishedAt))

	var out payload
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestDecodeEnvelopeToleratesExtraFields(t *testing.T) {
	values := map[string]any{
		"payload":          `{"event_id":"e1"}`,
		"published_at_utc": "2026-02-23T10:00:00Z",
		"trace_id":         "abc123",
		"schema":           "v2",
	}
	raw, _, err := decodeEnvelope(values)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event_id":"e1"}`, string(raw))
}

func TestDecodeEnvelopeFailures(t *testing.T) {
	t.Run("missing payload field", func(t *testing.T) {
		_, _, err := decodeEnvelope(map[string]any{"published_at_utc": "2026-02-23T10:00:00Z"})
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr)
		assert.Contains(t, decodeErr.Raw, "published_at_utc")
	})

	t.Run("payload is not JSON", func(t *testing.T) {
		_, _, err := decodeEnvelope(map[string]any{"payload": "not-json{{"})
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr)
		assert.Equal(t, "not-json{{", decodeErr.Raw["payload"])
	})

	t.Run("invalid timestamp is tolerated", func(t *testing.T) {
		raw, publishedAt, err := decodeEnvelope(map[string]any{
			"payload":          `{"ok":true}`,
			"published_at_utc": "yesterday",
		})
		require.NoError(t, err)
		assert.True(t, publishedAt.IsZero())
		assert.JSONEq(t, `{"ok":true}`, string(raw))
	})
}
