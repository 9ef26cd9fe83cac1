package estop

import (
	"context"
	"sync"
)

// MemoryRepo keeps stop records in memory. Used when no durable store
// is configured and in tests; the server logs loudly when it falls
// back to this, since restarts lose state.
type MemoryRepo struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{recs: make(map[string]Record)}
}

func (m *MemoryRepo) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.Scope] = rec
	return nil
}

func (m *MemoryRepo) Load(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec)
	}
	return out, nil
}
