// Package bus provides the event-bus abstraction the pipeline runs on: an
// append-only, length-capped stream store with consumer groups, per-message
// acknowledgement, and dead-letter routing. The Redis Streams driver is the
// production implementation; the in-memory bus backs tests.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Group start positions accepted by EnsureGroup. A literal record id is also
// accepted and positions the group cursor just past that id.
const (
	StartTail = "tail"
	StartHead = "head"
)

// DLQ routing reasons.
const (
	ReasonMalformedPayload     = "MALFORMED_PAYLOAD"
	ReasonMaxDeliveriesExceeded = "MAX_DELIVERIES_EXCEEDED"
)

// DLQSuffix is appended to a source stream name to form its dead-letter stream.
const DLQSuffix = ".dlq"

// DefaultMaxStreamLen is the approximate length cap applied when a publish
// does not specify one.
const DefaultMaxStreamLen = 100_000

// ErrPublishFailed marks transient transport failures on publish.
var ErrPublishFailed = errors.New("bus: publish failed")

// Record is one entry in a stream. IDs are opaque strings assigned by the
// store whose lexical ordering equals insertion order within the stream.
type Record struct {
	Stream         string
	ID             string
	Payload        json.RawMessage
	PublishedAtUTC time.Time
}

// ConsumerMessage is a Record delivered through a consumer group. It stays in
// the group's pending set until acknowledged.
type ConsumerMessage struct {
	Record
	Group    string
	Consumer string
}

// ConsumeArgs parameterize one Consume call.
type ConsumeArgs struct {
	Stream   string
	Group    string
	Consumer string
	Count    int
	Block    time.Duration
}

// DLQEntry describes a record being routed to a dead-letter stream.
type DLQEntry struct {
	SourceStream    string            `json:"source_stream"`
	SourceMessageID string            `json:"source_message_id"`
	Reason          string            `json:"reason"`
	Payload         json.RawMessage   `json:"payload"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// DLQRecord is the on-stream shape of a dead-lettered record.
type DLQRecord struct {
	DLQEntry
	MovedAtUTC string `json:"moved_at_utc"`
}

// DLQStream returns the dead-letter stream name for a source stream.
func DLQStream(source string) string {
	return source + DLQSuffix
}

// PublishOptions tune a single publish.
type PublishOptions struct {
	// MaxLen caps the stream length (approximate). Zero means DefaultMaxStreamLen.
	MaxLen int64
}

// EventPublisher appends messages to streams.
type EventPublisher interface {
	Publish(ctx context.Context, stream string, message any, opts *PublishOptions) (Record, error)
}

// EventStreamReader reads recent stream history outside any consumer group.
type EventStreamReader interface {
	ReadRecent(ctx context.Context, stream string, limit int) ([]Record, error)
}

// EventConsumer provides consumer-group delivery with explicit acknowledgement.
type EventConsumer interface {
	// EnsureGroup creates the group if absent; re-creating is a no-op.
	EnsureGroup(ctx context.Context, stream, group, start string) error

	// Consume returns at most args.Count messages. Pending messages
	// previously delivered to args.Consumer are drained first (without
	// blocking); only when none remain are new messages read, blocking up
	// to args.Block. Records whose envelope fails to decode are routed to
	// the DLQ and acknowledged before this returns; callers never see them.
	Consume(ctx context.Context, args ConsumeArgs) ([]ConsumerMessage, error)

	// Ack removes ids from the group's pending set. An empty id list is a
	// no-op returning 0.
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)

	// MoveToDLQ publishes a structured record to the source stream's
	// dead-letter stream and returns the new record's id.
	MoveToDLQ(ctx context.Context, entry DLQEntry) (string, error)
}

// EventBus composes the full capability set of a stream store.
type EventBus interface {
	EventPublisher
	EventStreamReader
	EventConsumer
	Close() error
}
