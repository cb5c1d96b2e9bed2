package rules

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// countingStore wraps a MemoryStore and counts List calls.
type countingStore struct {
	*MemoryStore
	lists atomic.Int64
}

func (c *countingStore) List(ctx context.Context) ([]*Rule, error) {
	c.lists.Add(1)
	return c.MemoryStore.List(ctx)
}

func TestRegistryActiveFiltersDisabled(t *testing.T) {
	enabled := velocityRule(3600, 10, 0)
	disabled := velocityRule(3600, 5, 0)
	disabled.ID = "vel_off"
	disabled.Enabled = false

	reg := NewRegistry(NewMemoryStoreWith(enabled, disabled))
	active, err := reg.Active(context.Background())
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "vel" {
		t.Errorf("active = %v, want just vel", active)
	}
}

func TestRegistryCaches(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStoreWith(velocityRule(3600, 10, 0))}
	reg := NewRegistry(store).WithCacheTTL(time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := reg.Active(ctx); err != nil {
			t.Fatalf("Active: %v", err)
		}
	}
	if got := store.lists.Load(); got != 1 {
		t.Errorf("store.List called %d times, want 1 (cached)", got)
	}

	reg.Invalidate()
	if _, err := reg.Active(ctx); err != nil {
		t.Fatalf("Active: %v", err)
	}
	if got := store.lists.Load(); got != 2 {
		t.Errorf("store.List called %d times after invalidate, want 2", got)
	}
}

func TestRegistrySaveValidates(t *testing.T) {
	reg := NewRegistry(NewMemoryStore())
	ctx := context.Background()

	bad := &Rule{ID: "w", Type: TypeVelocity, Weight: 1.5, Severity: SeverityLow}
	if err := reg.Save(ctx, bad); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("Save(bad) err = %v, want ErrInvalidRule", err)
	}

	good := velocityRule(3600, 10, 0)
	if err := reg.Save(ctx, good); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if good.CreatedAt.IsZero() || good.UpdatedAt.IsZero() {
		t.Error("Save must stamp CreatedAt/UpdatedAt")
	}

	stored, err := reg.Get(ctx, "vel")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Name != good.Name {
		t.Errorf("stored rule = %+v", stored)
	}
}

func TestRegistrySavePropagates(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStoreWith(velocityRule(3600, 10, 0))}
	reg := NewRegistry(store).WithCacheTTL(time.Minute)
	ctx := context.Background()

	if _, err := reg.Active(ctx); err != nil {
		t.Fatal(err)
	}

	// Saving drops the cache, so the next Active sees the new rule.
	extra := velocityRule(60, 3, 0)
	extra.ID = "vel_minute"
	if err := reg.Save(ctx, extra); err != nil {
		t.Fatalf("Save: %v", err)
	}

	active, err := reg.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Errorf("active after save = %d rules, want 2", len(active))
	}
}

func TestRegistrySetEnabled(t *testing.T) {
	reg := NewRegistry(NewMemoryStoreWith(velocityRule(3600, 10, 0))).WithCacheTTL(time.Minute)
	ctx := context.Background()

	if err := reg.SetEnabled(ctx, "vel", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	active, _ := reg.Active(ctx)
	if len(active) != 0 {
		t.Errorf("active after disable = %v, want none", active)
	}

	if err := reg.SetEnabled(ctx, "missing", false); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("SetEnabled(missing) err = %v, want ErrRuleNotFound", err)
	}
}

func TestRegistryDelete(t *testing.T) {
	reg := NewRegistry(NewMemoryStoreWith(velocityRule(3600, 10, 0))).WithCacheTTL(time.Minute)
	ctx := context.Background()

	if _, err := reg.Active(ctx); err != nil {
		t.Fatal(err)
	}
	if err := reg.Delete(ctx, "vel"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := reg.Get(ctx, "vel"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get after delete err = %v, want ErrRuleNotFound", err)
	}
	active, _ := reg.Active(ctx)
	if len(active) != 0 {
		t.Errorf("active after delete = %v, want none", active)
	}
}
