// Package registry maps an analysis key to the handle of the job currently
// generating it, so concurrent requesters can attach to in-flight work.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Suffix appended to the lease key to form the pointer key.
const pointerSuffix = "_task_id"

// PointerKey returns the storage key of the in-flight pointer for a lease key.
func PointerKey(key string) string {
	return key + pointerSuffix
}

// Registry is the in-flight pointer store.
type Registry interface {
	Publish(ctx context.Context, key, handleID string) error
	Lookup(ctx context.Context, key string) (handleID string, found bool, err error)
	Clear(ctx context.Context, key string) error
}

// ============================================================================
// Redis
// ============================================================================

// RedisRegistry stores pointers as plain string keys with a TTL so a pointer
// never outlives the lease of the job it names.
type RedisRegistry struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisRegistry wraps an existing client. ttl <= 0 stores pointers without expiry.
func NewRedisRegistry(client redis.UniversalClient, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) Publish(ctx context.Context, key, handleID string) error {
	ttl := r.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, PointerKey(key), handleID, ttl).Err(); err != nil {
		return fmt.Errorf("publish pointer %s: %w", key, err)
	}
	return nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, key string) (string, bool, error) {
	id, err := r.client.Get(ctx, PointerKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup pointer %s: %w", key, err)
	}
	return id, true, nil
}

func (r *RedisRegistry) Clear(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, PointerKey(key)).Err(); err != nil {
		return fmt.Errorf("clear pointer %s: %w", key, err)
	}
	return nil
}

// ============================================================================
// Memory
// ============================================================================

type memoryEntry struct {
	handleID  string
	expiresAt time.Time // zero means no expiry
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryRegistry creates an empty registry. A nil clock uses time.Now.
func NewMemoryRegistry(ttl time.Duration, now func() time.Time) *MemoryRegistry {
	if now == nil {
		now = time.Now
	}
	return &MemoryRegistry{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     now,
	}
}

func (m *MemoryRegistry) Publish(ctx context.Context, key, handleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{handleID: handleID}
	if m.ttl > 0 {
		e.expiresAt = m.now().Add(m.ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryRegistry) Lookup(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		return "", false, nil
	}
	return e.handleID, true, nil
}

func (m *MemoryRegistry) Clear(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
