// Package dedup provides the content-hash idempotency store. A key, once
// set, blocks re-publish of the same (stream, event_id) pair until its TTL
// expires or the mark is explicitly cleared.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is one week, the dedup window for re-observed events.
const DefaultTTL = 7 * 24 * time.Hour

// Store marks first sight of events per stream.
type Store interface {
	// MarkIfFirstSeen atomically creates the dedup key. Returns true
	// exactly when the key was created, i.e. first sight within the TTL.
	MarkIfFirstSeen(ctx context.Context, stream, eventID string) (bool, error)

	// Clear unconditionally removes the mark. Used when a publish that
	// followed a successful mark later fails terminally.
	Clear(ctx context.Context, stream, eventID string) error
}

func key(stream, eventID string) string {
	return fmt.Sprintf("dedup:%s:%s", stream, eventID)
}

// RedisStore implements Store on SET NX with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. ttl <= 0 means DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) MarkIfFirstSeen(ctx context.Context, stream, eventID string) (bool, error) {
	created, err := s.client.SetNX(ctx, key(stream, eventID), "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: mark %s/%s: %w", stream, eventID, err)
	}
	return created, nil
}

func (s *RedisStore) Clear(ctx context.Context, stream, eventID string) error {
	if err := s.client.Del(ctx, key(stream, eventID)).Err(); err != nil {
		return fmt.Errorf("dedup: clear %s/%s: %w", stream, eventID, err)
	}
	return nil
}

// MemoryStore is the in-process Store used by tests.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	marks map[string]time.Time
}

// NewMemoryStore creates a MemoryStore. ttl <= 0 means DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, marks: make(map[string]time.Time)}
}

func (s *MemoryStore) MarkIfFirstSeen(ctx context.Context, stream, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(stream, eventID)
	if expiry, ok := s.marks[k]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	s.marks[k] = time.Now().Add(s.ttl)
	return true, nil
}

func (s *MemoryStore) Clear(ctx context.Context, stream, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, key(stream, eventID))
	return nil
}
