package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore persists connector cursor state between polls and across
// instances.
type StateStore interface {
	// Load unmarshals the stored state into out. Returns false when no
	// state exists yet; a stored value that fails to parse is an error.
	Load(ctx context.Context, name string, out any) (bool, error)

	// Save replaces the stored state.
	Save(ctx context.Context, name string, state any) error
}

func stateKey(name string) string {
	return "connector:state:" + name
}

// Hash fields of a connector state entry.
const (
	stateFieldLatest    = "latest"
	stateFieldTimestamp = "timestamp"
	stateFieldVersion   = "version"
)

// RedisStateStore keeps each connector's state in a hash holding the latest
// JSON snapshot, its save time, and a monotonic save counter.
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore creates a RedisStateStore.
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Load(ctx context.Context, name string, out any) (bool, error) {
	raw, err := s.client.HGet(ctx, stateKey(name), stateFieldLatest).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("connector: load state %q: %w", name, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("connector: parse state %q: %w", name, err)
	}
	return true, nil
}

func (s *RedisStateStore) Save(ctx context.Context, name string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("connector: marshal state %q: %w", name, err)
	}
	key := stateKey(name)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		stateFieldLatest, string(raw),
		stateFieldTimestamp, time.Now().UTC().Format(time.RFC3339))
	pipe.HIncrBy(ctx, key, stateFieldVersion, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("connector: save state %q: %w", name, err)
	}
	return nil
}

// MemoryStateStore is the in-process StateStore used by tests.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string][]byte
}

// NewMemoryStateStore creates an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string][]byte)}
}

func (s *MemoryStateStore) Load(ctx context.Context, name string, out any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.states[name]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("connector: parse state %q: %w", name, err)
	}
	return true, nil
}

func (s *MemoryStateStore) Save(ctx context.Context, name string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("connector: marshal state %q: %w", name, err)
	}
	s.mu.Lock()
	s.states[name] = raw
	s.mu.Unlock()
	return nil
}
