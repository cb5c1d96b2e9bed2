package counter

import (
	"context"
	"sync"
	"time"

	"github.com/perimetra/riskgate/internal/identifier"
	"github.com/perimetra/riskgate/internal/syncutil"
)

// bucket is one window's accumulated state.
type bucket struct {
	count     int64
	sum       float64
	expiresAt time.Time
}

// MemoryStore is an in-memory counter store for demo/development mode and
// tests. Expired buckets are lazily evicted on access; Sweep bounds memory.
// Per-key locking keeps concurrent increments to different identifiers from
// contending on one mutex.
type MemoryStore struct {
	locks   syncutil.ShardedMutex
	mapMu   sync.Mutex // guards the map structure itself
	buckets map[string]*bucket
	now     func() time.Time // overridable in tests
}

// NewMemoryStore creates a new in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// WithClock overrides the time source. For tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) getBucket(key string) (*bucket, bool) {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	b, ok := m.buckets[key]
	return b, ok
}

func (m *MemoryStore) putBucket(key string, b *bucket) {
	m.mapMu.Lock()
	m.buckets[key] = b
	m.mapMu.Unlock()
}

func (m *MemoryStore) dropBucket(key string) {
	m.mapMu.Lock()
	delete(m.buckets, key)
	m.mapMu.Unlock()
}

func (m *MemoryStore) Increment(ctx context.Context, key string, amount float64, window identifier.Window) (Usage, error) {
	unlock := m.locks.Lock(key)
	defer unlock()

	now := m.now()
	b, ok := m.getBucket(key)
	if !ok || !now.Before(b.expiresAt) {
		b = &bucket{expiresAt: now.Add(window.Size)}
		m.putBucket(key, b)
	}
	b.count++
	if amount > 0 {
		b.sum += amount
	}
	return Usage{Count: b.count, Sum: b.sum}, nil
}

func (m *MemoryStore) Read(ctx context.Context, key string) (Usage, error) {
	unlock := m.locks.Lock(key)
	defer unlock()

	b, ok := m.getBucket(key)
	if !ok {
		return Usage{}, nil
	}
	if !m.now().Before(b.expiresAt) {
		m.dropBucket(key)
		return Usage{}, nil
	}
	return Usage{Count: b.count, Sum: b.sum}, nil
}

// Sweep removes expired buckets. Returns the number removed.
// Called by the server's background timer; correctness does not depend on it.
func (m *MemoryStore) Sweep() int {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()

	now := m.now()
	removed := 0
	for k, b := range m.buckets {
		if !now.Before(b.expiresAt) {
			delete(m.buckets, k)
			removed++
		}
	}
	return removed
}

// Size returns the current number of tracked buckets.
func (m *MemoryStore) Size() int {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	return len(m.buckets)
}
