package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus is the Redis Streams implementation of EventBus.
//
// Mapping: Publish → XADD with approximate MAXLEN trimming, ReadRecent →
// XREVRANGE, EnsureGroup → XGROUP CREATE MKSTREAM, Consume → XREADGROUP with
// the "0" pending cursor first and then ">", Ack → XACK.
type RedisBus struct {
	client     *redis.Client
	maxLen     int64
	ownsClient bool
	logger     *slog.Logger
}

// RedisBusOptions configure a RedisBus.
type RedisBusOptions struct {
	// MaxLen is the default approximate stream length cap.
	// Zero means DefaultMaxStreamLen.
	MaxLen int64

	// OwnsClient makes Close release the underlying client.
	OwnsClient bool
}

// NewRedisBus wraps an existing Redis client.
func NewRedisBus(client *redis.Client, opts RedisBusOptions) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("bus: redis client cannot be nil")
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxStreamLen
	}
	return &RedisBus{
		client:     client,
		maxLen:     maxLen,
		ownsClient: opts.OwnsClient,
		logger:     slog.Default().With("component", "redis-bus"),
	}, nil
}

// Publish appends one envelope to the stream and returns the assigned record.
func (b *RedisBus) Publish(ctx context.Context, stream string, message any, opts *PublishOptions) (Record, error) {
	now := time.Now().UTC()
	values, err := encodeEnvelope(message, now)
	if err != nil {
		return Record{}, err
	}

	maxLen := b.maxLen
	if opts != nil && opts.MaxLen > 0 {
		maxLen = opts.MaxLen
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		ID:     "*",
		Values: values,
	}).Result()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrPublishFailed, stream, err)
	}

	payload, publishedAt, err := decodeEnvelope(values)
	if err != nil {
		// Unreachable for envelopes we just encoded.
		return Record{}, err
	}
	return Record{Stream: stream, ID: id, Payload: payload, PublishedAtUTC: publishedAt}, nil
}

// ReadRecent returns up to limit most recent records in chronological order.
// Malformed envelopes are skipped silently.
func (b *RedisBus) ReadRecent(ctx context.Context, stream string, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}
	msgs, err := b.client.XRevRangeN(ctx, stream, "+", "-", int64(limit)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("bus: read recent %s: %w", stream, err)
	}

	records := make([]Record, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		rec, ok := b.toRecord(stream, msgs[i])
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// EnsureGroup creates the consumer group, creating the stream if needed.
// Re-creating an existing group is a no-op.
func (b *RedisBus) EnsureGroup(ctx context.Context, stream, group, start string) error {
	startID := start
	switch start {
	case StartTail:
		startID = "$"
	case StartHead, "":
		startID = "0"
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil && !isBusyGroupError(err) {
		return fmt.Errorf("bus: ensure group %s/%s: %w", stream, group, err)
	}
	return nil
}

// Consume implements the pending-first ordering contract of EventConsumer.
func (b *RedisBus) Consume(ctx context.Context, args ConsumeArgs) ([]ConsumerMessage, error) {
	// Drain this consumer's pending entries without blocking.
	msgs, err := b.readGroup(ctx, args, "0", -1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		// Nothing pending; block for new messages past the group cursor.
		msgs, err = b.readGroup(ctx, args, ">", args.Block)
		if err != nil {
			return nil, err
		}
	}

	out := make([]ConsumerMessage, 0, len(msgs))
	for _, msg := range msgs {
		rec, ok := b.toRecord(args.Stream, msg)
		if !ok {
			b.quarantine(ctx, args, msg)
			continue
		}
		out = append(out, ConsumerMessage{Record: rec, Group: args.Group, Consumer: args.Consumer})
	}
	return out, nil
}

// readGroup issues one XREADGROUP with the given cursor. A negative block
// duration reads without blocking.
func (b *RedisBus) readGroup(ctx context.Context, args ConsumeArgs, cursor string, block time.Duration) ([]redis.XMessage, error) {
	count := args.Count
	if count <= 0 {
		count = 1
	}
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, cursor},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if isNoGroupError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: consume %s/%s: %w", args.Stream, args.Group, err)
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

// Ack acknowledges ids in the group. Empty id list is a no-op.
func (b *RedisBus) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := b.client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("bus: ack %s/%s: %w", stream, group, err)
	}
	return n, nil
}

// MoveToDLQ publishes a structured dead-letter record to "<source>.dlq".
func (b *RedisBus) MoveToDLQ(ctx context.Context, entry DLQEntry) (string, error) {
	rec := DLQRecord{DLQEntry: entry, MovedAtUTC: time.Now().UTC().Format(time.RFC3339Nano)}
	published, err := b.Publish(ctx, DLQStream(entry.SourceStream), rec, nil)
	if err != nil {
		return "", fmt.Errorf("bus: move to dlq: %w", err)
	}
	return published.ID, nil
}

// Close releases the underlying client when owned.
func (b *RedisBus) Close() error {
	if !b.ownsClient {
		return nil
	}
	return b.client.Close()
}

// toRecord decodes one stream message. Returns ok=false when the envelope is
// malformed.
func (b *RedisBus) toRecord(stream string, msg redis.XMessage) (Record, bool) {
	payload, publishedAt, err := decodeEnvelope(msg.Values)
	if err != nil {
		return Record{}, false
	}
	return Record{Stream: stream, ID: msg.ID, Payload: payload, PublishedAtUTC: publishedAt}, true
}

// quarantine routes an undecodable message to the DLQ and acknowledges it so
// it is never redelivered. Handlers never observe malformed envelopes.
func (b *RedisBus) quarantine(ctx context.Context, args ConsumeArgs, msg redis.XMessage) {
	metadata := map[string]string{"group": args.Group, "consumer": args.Consumer}
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			metadata["field_"+k] = s
		}
	}
	if _, err := b.MoveToDLQ(ctx, DLQEntry{
		SourceStream:    args.Stream,
		SourceMessageID: msg.ID,
		Reason:          ReasonMalformedPayload,
		Metadata:        metadata,
	}); err != nil {
		b.logger.Error("Failed to dead-letter malformed envelope",
			"stream", args.Stream, "group", args.Group, "message_id", msg.ID, "error", err)
		return
	}
	if _, err := b.Ack(ctx, args.Stream, args.Group, msg.ID); err != nil {
		b.logger.Error("Failed to ack malformed envelope after DLQ routing",
			"stream", args.Stream, "group", args.Group, "message_id", msg.ID, "error", err)
	}
}

func isBusyGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroupError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
