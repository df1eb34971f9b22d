package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// MemoryLease is a process-local Lease for tests and single-process runs.
type MemoryLease struct {
	mu      sync.Mutex
	entries map[string]types.Lease
	now     func() time.Time
}

// NewMemoryLease creates an empty in-memory lease table. A nil clock uses time.Now.
func NewMemoryLease(now func() time.Time) *MemoryLease {
	if now == nil {
		now = time.Now
	}
	return &MemoryLease{
		entries: make(map[string]types.Lease),
		now:     now,
	}
}

func (m *MemoryLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.entries[key]; ok && now.Before(cur.ExpiresAt) {
		return "", fmt.Errorf("%w: %s", types.ErrLeaseBusy, key)
	}

	token := uuid.NewString()
	m.entries[key] = types.Lease{Key: key, Token: token, ExpiresAt: now.Add(ttl)}
	return token, nil
}

func (m *MemoryLease) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.entries[key]; ok && cur.Token == token {
		delete(m.entries, key)
	}
	return nil
}

// Holder returns the live lease for key, if any.
func (m *MemoryLease) Holder(key string) (types.Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entries[key]
	if !ok || !m.now().Before(cur.ExpiresAt) {
		return types.Lease{}, false
	}
	return cur, true
}
