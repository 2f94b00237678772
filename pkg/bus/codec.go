package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope field names on the wire. Consumers must tolerate extra fields, so
// decoding only requires "payload".
const (
	fieldPayload     = "payload"
	fieldPublishedAt = "published_at_utc"
)

// DecodeError reports an envelope that could not be decoded. The raw field
// values are preserved so the driver can attach them as DLQ metadata.
type DecodeError struct {
	Raw map[string]any
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bus: malformed envelope: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// encodeEnvelope serializes a message into the on-wire envelope. The message
// is JSON-encoded into the single "payload" field; the publish timestamp is
// attached as RFC 3339.
func encodeEnvelope(message any, now time.Time) (map[string]any, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("bus: encode payload: %w", err)
	}
	return map[string]any{
		fieldPayload:     string(payload),
		fieldPublishedAt: now.UTC().Format(time.RFC3339Nano),
	}, nil
}

// decodeEnvelope extracts the message payload and publish timestamp from raw
// stream field values. Any failure yields a *DecodeError carrying the raw
// fields; a missing or invalid timestamp alone is tolerated (zero time).
func decodeEnvelope(values map[string]any) (json.RawMessage, time.Time, error) {
	raw, ok := values[fieldPayload]
	if !ok {
		return nil, time.Time{}, &DecodeError{Raw: values, Err: fmt.Errorf("missing %q field", fieldPayload)}
	}
	s, ok := raw.(string)
	if !ok {
		return nil, time.Time{}, &DecodeError{Raw: values, Err: fmt.Errorf("%q field is not a string", fieldPayload)}
	}
	if !json.Valid([]byte(s)) {
		return nil, time.Time{}, &DecodeError{Raw: values, Err: fmt.Errorf("%q field is not valid JSON", fieldPayload)}
	}

	var publishedAt time.Time
	if ts, ok := values[fieldPublishedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			publishedAt = t
		}
	}
	return json.RawMessage(s), publishedAt, nil
}
