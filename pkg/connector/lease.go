package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaseManager grants a named connector exclusive execution across
// instances. Each manager carries an instance-unique token; only the holder
// of a lease can release it.
type LeaseManager interface {
	// TryAcquire claims lease:<name> for ttl. Returns false when another
	// instance holds it; that is routine, not an error. The current holder
	// re-acquiring renews the TTL.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Release deletes the lease only if this instance still owns it.
	Release(ctx context.Context, name string) error
}

func leaseKey(name string) string {
	return "lease:" + name
}

// releaseScript deletes the key only when its value matches the caller's
// token, so a non-owner can never drop someone else's lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLeaseManager implements LeaseManager on SET NX plus a compare-and-del
// script.
type RedisLeaseManager struct {
	client     *redis.Client
	instanceID string
}

// NewRedisLeaseManager creates a manager with a fresh instance token.
func NewRedisLeaseManager(client *redis.Client) *RedisLeaseManager {
	return &RedisLeaseManager{client: client, instanceID: uuid.NewString()}
}

// InstanceID returns this manager's lease token.
func (m *RedisLeaseManager) InstanceID() string { return m.instanceID }

func (m *RedisLeaseManager) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	key := leaseKey(name)
	ok, err := m.client.SetNX(ctx, key, m.instanceID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("connector: acquire lease %q: %w", name, err)
	}
	if ok {
		return true, nil
	}
	// Renewal path: the holder may extend its own lease.
	holder, err := m.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("connector: inspect lease %q: %w", name, err)
	}
	if holder != m.instanceID {
		return false, nil
	}
	if err := m.client.Expire(ctx, key, ttl).Err(); err != nil {
		return false, fmt.Errorf("connector: renew lease %q: %w", name, err)
	}
	return true, nil
}

func (m *RedisLeaseManager) Release(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, m.client, []string{leaseKey(name)}, m.instanceID).Err(); err != nil {
		return fmt.Errorf("connector: release lease %q: %w", name, err)
	}
	return nil
}

// MemoryLeaseManager is the in-process LeaseManager used by tests. Create
// one manager per simulated instance; they must share a MemoryLeaseTable.
type MemoryLeaseManager struct {
	table      *MemoryLeaseTable
	instanceID string
}

// MemoryLeaseTable is the shared lease state behind MemoryLeaseManagers.
type MemoryLeaseTable struct {
	mu     sync.Mutex
	leases map[string]memLease
}

type memLease struct {
	owner  string
	expiry time.Time
}

// NewMemoryLeaseTable creates an empty table.
func NewMemoryLeaseTable() *MemoryLeaseTable {
	return &MemoryLeaseTable{leases: make(map[string]memLease)}
}

// Manager creates an instance-scoped manager over the shared table.
func (t *MemoryLeaseTable) Manager() *MemoryLeaseManager {
	return &MemoryLeaseManager{table: t, instanceID: uuid.NewString()}
}

func (m *MemoryLeaseManager) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if l, ok := t.leases[name]; ok && now.Before(l.expiry) && l.owner != m.instanceID {
		return false, nil
	}
	t.leases[name] = memLease{owner: m.instanceID, expiry: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLeaseManager) Release(ctx context.Context, name string) error {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.leases[name]; ok && l.owner == m.instanceID {
		delete(t.leases, name)
	}
	return nil
}
