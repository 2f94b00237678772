package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/riskflow-io/riskflow/pkg/domain"
)

// ValidationError reports a raw event that cannot be normalized into a
// Signal.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "ingest: invalid raw signal: " + e.Reason
}

// signalAliases maps accepted raw field names to canonical Signal fields.
// Providers disagree on casing; resolution happens here, once, so the rest
// of the pipeline only sees canonical names.
var signalAliases = map[string]string{
	"event_id": "event_id",
	"eventid":  "event_id",
	"id":       "event_id",

	"source_type": "source_type",
	"sourcetype":  "source_type",
	"type":        "source_type",

	"raw_content": "raw_content",
	"rawcontent":  "raw_content",
	"content":     "raw_content",
	"text":        "raw_content",

	"source_reference": "source_reference",
	"sourcereference":  "source_reference",
	"reference":        "source_reference",
	"url":              "source_reference",

	"geographic_scope": "geographic_scope",
	"geographicscope":  "geographic_scope",
	"region":           "geographic_scope",
	"scope":            "geographic_scope",

	"timestamp_utc": "timestamp_utc",
	"timestamputc":  "timestamp_utc",
	"timestamp":     "timestamp_utc",
	"occurred_at":   "timestamp_utc",
	"occurredat":    "timestamp_utc",

	"signal_confidence": "signal_confidence",
	"signalconfidence":  "signal_confidence",
	"confidence":        "signal_confidence",
}

// timestampLayouts are tried in order when coercing provider timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Normalize converts a loosely-keyed raw event into the canonical Signal
// schema: alias-mapped fields, RFC 3339 timestamps, confidence clamped to
// [0,1], and a stable synthesized event id when the provider omits one.
func Normalize(raw map[string]any, now time.Time) (domain.Signal, error) {
	if len(raw) == 0 {
		return domain.Signal{}, &ValidationError{Reason: "empty event"}
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		canonical, ok := signalAliases[strings.ToLower(k)]
		if !ok {
			continue
		}
		if _, taken := fields[canonical]; !taken {
			fields[canonical] = v
		}
	}

	content := stringField(fields, "raw_content")
	reference := stringField(fields, "source_reference")
	if content == "" && reference == "" {
		return domain.Signal{}, &ValidationError{Reason: "no content or source reference"}
	}

	timestamp := coerceTimestamp(fields["timestamp_utc"], now)

	sig := domain.Signal{
		EventID:          stringField(fields, "event_id"),
		SourceType:       domain.ParseSourceType(strings.ToUpper(stringField(fields, "source_type"))),
		RawContent:       content,
		SourceReference:  reference,
		GeographicScope:  stringField(fields, "geographic_scope"),
		TimestampUTC:     timestamp,
		IngestionTimeUTC: now.UTC().Format(time.RFC3339),
		SignalConfidence: clampConfidence(fields["signal_confidence"]),
	}
	if sig.EventID == "" {
		sig.EventID = domain.StableEventID(sig.SourceReference, sig.RawContent, sig.TimestampUTC)
	}
	return sig, nil
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key]; ok {
		switch s := v.(type) {
		case string:
			return strings.TrimSpace(s)
		case fmt.Stringer:
			return s.String()
		}
	}
	return ""
}

// coerceTimestamp renders any recognized timestamp shape as RFC 3339 UTC,
// falling back to the ingestion time.
func coerceTimestamp(v any, now time.Time) string {
	switch ts := v.(type) {
	case string:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(ts)); err == nil {
				return t.UTC().Format(time.RFC3339)
			}
		}
	case float64:
		return time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
	case int64:
		return time.Unix(ts, 0).UTC().Format(time.RFC3339)
	case time.Time:
		return ts.UTC().Format(time.RFC3339)
	}
	return now.UTC().Format(time.RFC3339)
}

// clampConfidence coerces the confidence to [0,1]. Missing or unparseable
// values read as 0.5, a neutral prior.
func clampConfidence(v any) float64 {
	f := 0.5
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			f = parsed
		}
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
