package rules

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL is how long the active rule set is cached before re-fetching.
const DefaultCacheTTL = 30 * time.Second

// Store persists rules.
type Store interface {
	List(ctx context.Context) ([]*Rule, error)
	Get(ctx context.Context, id string) (*Rule, error)
	Upsert(ctx context.Context, r *Rule) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
}

// Registry serves the active rule set with a short-lived cache, so rule
// updates propagate without redeploys while evaluation stays off the store's
// hot path.
type Registry struct {
	store    Store
	cacheTTL time.Duration

	mu        sync.RWMutex
	cached    []*Rule
	fetchedAt time.Time
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, cacheTTL: DefaultCacheTTL}
}

// WithCacheTTL overrides the default cache TTL.
func (g *Registry) WithCacheTTL(ttl time.Duration) *Registry {
	g.cacheTTL = ttl
	return g
}

// Active returns the enabled rules, from cache when fresh.
func (g *Registry) Active(ctx context.Context) ([]*Rule, error) {
	now := time.Now()

	g.mu.RLock()
	if g.cached != nil && now.Sub(g.fetchedAt) < g.cacheTTL {
		cached := g.cached
		g.mu.RUnlock()
		return cached, nil
	}
	g.mu.RUnlock()

	all, err := g.store.List(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]*Rule, 0, len(all))
	for _, r := range all {
		if r.Enabled {
			active = append(active, r)
		}
	}

	g.mu.Lock()
	g.cached = active
	g.fetchedAt = now
	g.mu.Unlock()

	return active, nil
}

// Invalidate drops the cache. Call after rule CRUD operations.
func (g *Registry) Invalidate() {
	g.mu.Lock()
	g.cached = nil
	g.mu.Unlock()
}

// Save validates and persists a rule, then invalidates the cache.
func (g *Registry) Save(ctx context.Context, r *Rule) error {
	if err := Validate(r); err != nil {
		return err
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if err := g.store.Upsert(ctx, r); err != nil {
		return err
	}
	g.Invalidate()
	return nil
}

// SetEnabled flips a rule on or off and invalidates the cache.
func (g *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := g.store.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	g.Invalidate()
	return nil
}

// Get returns one rule by ID.
func (g *Registry) Get(ctx context.Context, id string) (*Rule, error) {
	return g.store.Get(ctx, id)
}

// List returns all rules, enabled or not.
func (g *Registry) List(ctx context.Context) ([]*Rule, error) {
	return g.store.List(ctx)
}

// Delete removes a rule and invalidates the cache.
func (g *Registry) Delete(ctx context.Context, id string) error {
	if err := g.store.Delete(ctx, id); err != nil {
		return err
	}
	g.Invalidate()
	return nil
}
