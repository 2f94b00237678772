package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptStore persists delivery-attempt counters keyed by
// (stream, group, message id). The external counter is authoritative for
// retry policy; the log store's own delivery count is only a hint and is
// never reconciled against it.
type AttemptStore interface {
	// Get returns the current counter, 0 when absent.
	Get(ctx context.Context, stream, group, messageID string) (int, error)

	// Incr increments the counter and returns the new value. The TTL is
	// applied when the key is first created.
	Incr(ctx context.Context, stream, group, messageID string) (int, error)

	// Delete removes the counter.
	Delete(ctx context.Context, stream, group, messageID string) error
}

// DefaultRetryKeyTTL bounds how long an abandoned counter lingers. Kept
// separate from the dedup TTL; the two policies are unrelated.
const DefaultRetryKeyTTL = 6 * time.Hour

func attemptKey(stream, group, messageID string) string {
	return fmt.Sprintf("retry:%s:%s:%s", stream, group, messageID)
}

// RedisAttemptStore implements AttemptStore on INCR + EXPIRE NX.
type RedisAttemptStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisAttemptStore creates a RedisAttemptStore. ttl <= 0 means
// DefaultRetryKeyTTL.
func NewRedisAttemptStore(client *redis.Client, ttl time.Duration) *RedisAttemptStore {
	if ttl <= 0 {
		ttl = DefaultRetryKeyTTL
	}
	return &RedisAttemptStore{client: client, ttl: ttl}
}

func (s *RedisAttemptStore) Get(ctx context.Context, stream, group, messageID string) (int, error) {
	n, err := s.client.Get(ctx, attemptKey(stream, group, messageID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("worker: get attempts: %w", err)
	}
	return n, nil
}

func (s *RedisAttemptStore) Incr(ctx context.Context, stream, group, messageID string) (int, error) {
	key := attemptKey(stream, group, messageID)
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("worker: incr attempts: %w", err)
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return int(n), fmt.Errorf("worker: expire attempts: %w", err)
		}
	}
	return int(n), nil
}

func (s *RedisAttemptStore) Delete(ctx context.Context, stream, group, messageID string) error {
	if err := s.client.Del(ctx, attemptKey(stream, group, messageID)).Err(); err != nil {
		return fmt.Errorf("worker: delete attempts: %w", err)
	}
	return nil
}

// MemoryAttemptStore is the in-process AttemptStore used by tests.
type MemoryAttemptStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryAttemptStore creates an empty MemoryAttemptStore.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{counts: make(map[string]int)}
}

func (s *MemoryAttemptStore) Get(ctx context.Context, stream, group, messageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[attemptKey(stream, group, messageID)], nil
}

func (s *MemoryAttemptStore) Incr(ctx context.Context, stream, group, messageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := attemptKey(stream, group, messageID)
	s.counts[k]++
	return s.counts[k], nil
}

func (s *MemoryAttemptStore) Delete(ctx context.Context, stream, group, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, attemptKey(stream, group, messageID))
	return nil
}
