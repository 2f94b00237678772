package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBus is an in-process EventBus used by tests and local development.
// It honors the same ordering, pending, and DLQ semantics as the Redis
// driver, plus a configurable publish-failure budget to simulate transient
// transport errors.
type MemoryBus struct {
	mu      sync.Mutex
	streams map[string]*memStream
	groups  map[string]*memGroup
	maxLen  int

	// failBudget counts down: while positive, Publish fails.
	failBudget   int
	publishCalls int

	closed bool
}

type memStream struct {
	nextSeq int64
	records []memRecord
}

type memRecord struct {
	id     string
	values map[string]any
}

type memGroup struct {
	// cursor is the index into records of the next new delivery.
	lastDelivered string
	pending       map[string]*memPending
}

type memPending struct {
	consumer   string
	deliveries int
}

// NewMemoryBus creates an empty in-memory bus. maxLen <= 0 means
// DefaultMaxStreamLen.
func NewMemoryBus(maxLen int) *MemoryBus {
	if maxLen <= 0 {
		maxLen = DefaultMaxStreamLen
	}
	return &MemoryBus{
		streams: make(map[string]*memStream),
		groups:  make(map[string]*memGroup),
		maxLen:  maxLen,
	}
}

// FailPublishes makes the next n Publish calls fail with ErrPublishFailed.
func (b *MemoryBus) FailPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failBudget = n
}

// PublishCalls reports how many times Publish has been invoked, including
// failed attempts.
func (b *MemoryBus) PublishCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishCalls
}

func (b *MemoryBus) Publish(ctx context.Context, stream string, message any, opts *PublishOptions) (Record, error) {
	values, err := encodeEnvelope(message, time.Now())
	if err != nil {
		return Record{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishCalls++
	if b.failBudget > 0 {
		b.failBudget--
		return Record{}, fmt.Errorf("%w: %s: simulated transport error", ErrPublishFailed, stream)
	}

	s := b.stream(stream)
	s.nextSeq++
	id := fmt.Sprintf("%016d-0", s.nextSeq)
	s.records = append(s.records, memRecord{id: id, values: values})

	maxLen := b.maxLen
	if opts != nil && opts.MaxLen > 0 {
		maxLen = int(opts.MaxLen)
	}
	if len(s.records) > maxLen {
		s.records = s.records[len(s.records)-maxLen:]
	}

	payload, publishedAt, err := decodeEnvelope(values)
	if err != nil {
		return Record{}, err
	}
	return Record{Stream: stream, ID: id, Payload: payload, PublishedAtUTC: publishedAt}, nil
}

// PublishRaw appends raw envelope field values, bypassing the codec. Tests
// use it to stage malformed envelopes.
func (b *MemoryBus) PublishRaw(stream string, values map[string]any) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	s.nextSeq++
	id := fmt.Sprintf("%016d-0", s.nextSeq)
	s.records = append(s.records, memRecord{id: id, values: values})
	return id
}

func (b *MemoryBus) ReadRecent(ctx context.Context, stream string, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(stream)
	start := len(s.records) - limit
	if start < 0 {
		start = 0
	}
	records := make([]Record, 0, len(s.records)-start)
	for _, r := range s.records[start:] {
		payload, publishedAt, err := decodeEnvelope(r.values)
		if err != nil {
			continue
		}
		records = append(records, Record{Stream: stream, ID: r.id, Payload: payload, PublishedAtUTC: publishedAt})
	}
	return records, nil
}

func (b *MemoryBus) EnsureGroup(ctx context.Context, stream, group, start string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := stream + "/" + group
	if _, exists := b.groups[key]; exists {
		return nil
	}
	g := &memGroup{pending: make(map[string]*memPending)}
	switch start {
	case StartHead, "":
		g.lastDelivered = ""
	case StartTail:
		s := b.stream(stream)
		if n := len(s.records); n > 0 {
			g.lastDelivered = s.records[n-1].id
		}
	default:
		g.lastDelivered = start
	}
	b.groups[key] = g
	return nil
}

func (b *MemoryBus) Consume(ctx context.Context, args ConsumeArgs) ([]ConsumerMessage, error) {
	deadline := time.Now().Add(args.Block)
	for {
		msgs, err := b.consumeOnce(ctx, args)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if args.Block <= 0 || time.Now().After(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *MemoryBus) consumeOnce(ctx context.Context, args ConsumeArgs) ([]ConsumerMessage, error) {
	b.mu.Lock()

	count := args.Count
	if count <= 0 {
		count = 1
	}
	s := b.stream(args.Stream)
	g, ok := b.groups[args.Stream+"/"+args.Group]
	if !ok {
		b.mu.Unlock()
		return nil, nil
	}

	// Pending entries for this consumer come first, in id order.
	var picked []memRecord
	for _, r := range s.records {
		if len(picked) >= count {
			break
		}
		if p, ok := g.pending[r.id]; ok && p.consumer == args.Consumer {
			p.deliveries++
			picked = append(picked, r)
		}
	}

	// Only when nothing is pending do new messages get delivered.
	if len(picked) == 0 {
		for _, r := range s.records {
			if len(picked) >= count {
				break
			}
			if r.id <= g.lastDelivered {
				continue
			}
			g.pending[r.id] = &memPending{consumer: args.Consumer, deliveries: 1}
			g.lastDelivered = r.id
			picked = append(picked, r)
		}
	}
	b.mu.Unlock()

	out := make([]ConsumerMessage, 0, len(picked))
	for _, r := range picked {
		payload, publishedAt, err := decodeEnvelope(r.values)
		if err != nil {
			b.quarantine(ctx, args, r)
			continue
		}
		out = append(out, ConsumerMessage{
			Record:   Record{Stream: args.Stream, ID: r.id, Payload: payload, PublishedAtUTC: publishedAt},
			Group:    args.Group,
			Consumer: args.Consumer,
		})
	}
	return out, nil
}

func (b *MemoryBus) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[stream+"/"+group]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, id := range ids {
		if _, pending := g.pending[id]; pending {
			delete(g.pending, id)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBus) MoveToDLQ(ctx context.Context, entry DLQEntry) (string, error) {
	rec := DLQRecord{DLQEntry: entry, MovedAtUTC: time.Now().UTC().Format(time.RFC3339Nano)}
	published, err := b.Publish(ctx, DLQStream(entry.SourceStream), rec, nil)
	if err != nil {
		return "", err
	}
	return published.ID, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// PendingCount reports the group's pending-set size. Test helper.
func (b *MemoryBus) PendingCount(stream, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[stream+"/"+group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

func (b *MemoryBus) quarantine(ctx context.Context, args ConsumeArgs, r memRecord) {
	metadata := map[string]string{"group": args.Group, "consumer": args.Consumer}
	for k, v := range r.values {
		if s, ok := v.(string); ok {
			metadata["field_"+k] = s
		}
	}
	_, _ = b.MoveToDLQ(ctx, DLQEntry{
		SourceStream:    args.Stream,
		SourceMessageID: r.id,
		Reason:          ReasonMalformedPayload,
		Metadata:        metadata,
	})
	_, _ = b.Ack(ctx, args.Stream, args.Group, r.id)
}

// stream returns the named stream, creating it if needed. Caller holds mu.
func (b *MemoryBus) stream(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memStream{}
		b.streams[name] = s
	}
	return s
}
