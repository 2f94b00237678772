package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SourceType identifies the kind of external feed a signal came from.
type SourceType string

// Known source types. Unknown inputs normalize to SourceTypeOther.
const (
	SourceTypeNews    SourceType = "NEWS"
	SourceTypeWeather SourceType = "WEATHER"
	SourceTypeTraffic SourceType = "TRAFFIC"
	SourceTypeSocial  SourceType = "SOCIAL"
	SourceTypeOther   SourceType = "OTHER"
)

// ParseSourceType maps an arbitrary input string to a known SourceType.
func ParseSourceType(s string) SourceType {
	switch SourceType(s) {
	case SourceTypeNews, SourceTypeWeather, SourceTypeTraffic, SourceTypeSocial:
		return SourceType(s)
	default:
		return SourceTypeOther
	}
}

// Signal is the canonical input record to the pipeline. All ingestion paths
// (gateway, connectors, sources) normalize into this shape before the signal
// is published to external-signals.
type Signal struct {
	EventID          string     `json:"event_id"`
	SourceType       SourceType `json:"source_type"`
	RawContent       string     `json:"raw_content"`
	SourceReference  string     `json:"source_reference"`
	GeographicScope  string     `json:"geographic_scope"`
	TimestampUTC     string     `json:"timestamp_utc"`
	IngestionTimeUTC string     `json:"ingestion_time_utc"`
	SignalConfidence float64    `json:"signal_confidence"`
}

// StableEventID derives a deterministic event id from the signal's identity
// fields. Two observations of the same upstream item hash to the same id, so
// the dedup store collapses them even when the provider omits its own id.
func StableEventID(sourceReference, content, timestamp string) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s\x00%s", sourceReference, content, timestamp))
	return hex.EncodeToString(h[:16])
}
