package ratelimit

import (
	"context"
	"sync"
	"time"
)

// WindowStore keeps the sliding window of accepted request timestamps
// per key. Take trims entries older than the window, reports how many
// remain, and records the current request iff it still fits and
// increment is set. Check-and-record is one critical section per key.
type WindowStore interface {
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time, increment bool) (existing int, oldest time.Time, err error)
	Reset(ctx context.Context, key string) error
}

// MemoryStore is the local fallback store. Same semantics as the
// shared Redis store, scoped to this process.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*windowEntry
}

type windowEntry struct {
	mu     sync.Mutex
	stamps []time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*windowEntry)}
}

func (s *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration, now time.Time, increment bool) (int, time.Time, error) {
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-window)
	kept := e.stamps[:0]
	for _, ts := range e.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.stamps = kept

	existing := len(e.stamps)
	var oldest time.Time
	if existing > 0 {
		oldest = e.stamps[0]
	}
	if increment && existing < limit {
		e.stamps = append(e.stamps, now)
	}
	return existing, oldest, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

func (s *MemoryStore) entry(key string) *windowEntry {
	s.mu.RLock()
	e, ok := s.keys[key]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.keys[key]; ok {
		return e
	}
	e = &windowEntry{}
	s.keys[key] = e
	return e
}
