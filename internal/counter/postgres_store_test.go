package counter

import (
	"context"
	"testing"
	"time"

	"github.com/perimetra/riskgate/internal/identifier"
	"github.com/perimetra/riskgate/internal/testutil"
)

func TestPostgresStore_IncrementAndRead(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	key := "user:u1|payment|1741615200"
	u, err := store.Increment(ctx, key, 25.50, identifier.WindowHour)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if u.Count != 1 || u.Sum != 25.50 {
		t.Errorf("Expected {1, 25.50}, got {%d, %.2f}", u.Count, u.Sum)
	}

	u, err = store.Increment(ctx, key, 10.00, identifier.WindowHour)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if u.Count != 2 || u.Sum != 35.50 {
		t.Errorf("Expected {2, 35.50}, got {%d, %.2f}", u.Count, u.Sum)
	}

	got, err := store.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Count != 2 || got.Sum != 35.50 {
		t.Errorf("Read expected {2, 35.50}, got {%d, %.2f}", got.Count, got.Sum)
	}
}

func TestPostgresStore_ReadMissingKey(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	u, err := store.Read(context.Background(), "ip:203.0.113.7|login|999")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if u.Count != 0 || u.Sum != 0 {
		t.Errorf("Expected zero usage for missing key, got {%d, %.2f}", u.Count, u.Sum)
	}
}

func TestPostgresStore_ExpiredBucketResets(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	// A window so short the bucket expires immediately.
	key := "device:d1|payment|100"
	if _, err := store.Increment(ctx, key, 5, identifier.Window{Size: time.Millisecond}); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	u, err := store.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if u.Count != 0 {
		t.Errorf("Expected expired bucket to read zero, got count %d", u.Count)
	}

	// A new increment resets the bucket instead of accumulating.
	u, err = store.Increment(ctx, key, 7, identifier.WindowHour)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if u.Count != 1 || u.Sum != 7 {
		t.Errorf("Expected reset bucket {1, 7}, got {%d, %.2f}", u.Count, u.Sum)
	}
}

func TestPostgresStore_Sweep(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, err := store.Increment(ctx, "a|x|1", 1, identifier.Window{Size: time.Millisecond}); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if _, err := store.Increment(ctx, "b|x|1", 1, identifier.WindowHour); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	n, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 swept row, got %d", n)
	}

	u, err := store.Read(ctx, "b|x|1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if u.Count != 1 {
		t.Errorf("Live bucket should survive sweep, got count %d", u.Count)
	}
}
