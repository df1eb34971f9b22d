// Package store holds finished analysis artifacts keyed by AnalysisKey.
//
// A stored artifact is final: once present for a key, the orchestrator
// never regenerates it.
package store

import (
	"context"
	"sync"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// Store is the durable key -> artifact mapping.
type Store interface {
	// Get returns (nil, nil) when no artifact exists for key.
	Get(ctx context.Context, key types.AnalysisKey) (*types.Artifact, error)
	// Put upserts the artifact under a.Key.
	Put(ctx context.Context, a *types.Artifact) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[types.AnalysisKey]types.Artifact
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[types.AnalysisKey]types.Artifact)}
}

func (m *MemoryStore) Get(ctx context.Context, key types.AnalysisKey) (*types.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.artifacts[key]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryStore) Put(ctx context.Context, a *types.Artifact) error {
	if err := a.Key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[a.Key] = *a
	return nil
}

// Len reports how many artifacts are stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.artifacts)
}
