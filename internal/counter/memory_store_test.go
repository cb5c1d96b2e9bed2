package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/perimetra/riskgate/internal/identifier"
)

func TestMemoryStoreIncrement(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	u, err := s.Increment(ctx, "ip:1.2.3.4|payment|0", 25.00, identifier.WindowHour)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if u.Count != 1 || u.Sum != 25.00 {
		t.Errorf("first increment = %+v, want count 1 sum 25", u)
	}

	u, err = s.Increment(ctx, "ip:1.2.3.4|payment|0", 10.50, identifier.WindowHour)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if u.Count != 2 || u.Sum != 35.50 {
		t.Errorf("second increment = %+v, want count 2 sum 35.50", u)
	}
}

func TestMemoryStoreReadAbsent(t *testing.T) {
	s := NewMemoryStore()

	u, err := s.Read(context.Background(), "ip:9.9.9.9|login|0")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if u.Count != 0 || u.Sum != 0 {
		t.Errorf("absent bucket = %+v, want zero usage", u)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := s.Increment(ctx, "user:u1|payment|x", 5, identifier.WindowMinute); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	// Still inside the TTL.
	now = now.Add(30 * time.Second)
	u, _ := s.Read(ctx, "user:u1|payment|x")
	if u.Count != 1 {
		t.Fatalf("count before expiry = %d, want 1", u.Count)
	}

	// Past the TTL the bucket reads as empty.
	now = now.Add(2 * time.Minute)
	u, _ = s.Read(ctx, "user:u1|payment|x")
	if u.Count != 0 || u.Sum != 0 {
		t.Errorf("expired bucket = %+v, want zero usage", u)
	}

	// An increment after expiry starts a fresh bucket.
	u, _ = s.Increment(ctx, "user:u1|payment|x", 7, identifier.WindowMinute)
	if u.Count != 1 || u.Sum != 7 {
		t.Errorf("post-expiry increment = %+v, want count 1 sum 7", u)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	s.Increment(ctx, "a", 1, identifier.WindowMinute)
	s.Increment(ctx, "b", 1, identifier.WindowHour)
	if s.Size() != 2 {
		t.Fatalf("Size = %d, want 2", s.Size())
	}

	now = now.Add(5 * time.Minute)
	removed := s.Sweep()
	if removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if s.Size() != 1 {
		t.Errorf("Size after sweep = %d, want 1", s.Size())
	}
}

func TestMemoryStoreConcurrentIncrements(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.Increment(ctx, "hot", 1.0, identifier.WindowHour); err != nil {
				t.Errorf("Increment: %v", err)
			}
		}()
	}
	wg.Wait()

	u, err := s.Read(ctx, "hot")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if u.Count != n {
		t.Errorf("count after %d concurrent increments = %d", n, u.Count)
	}
	if u.Sum != float64(n) {
		t.Errorf("sum after %d concurrent increments = %f", n, u.Sum)
	}
}
