package rules

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory rule store for demo/development mode.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewMemoryStore creates a new in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*Rule)}
}

// NewMemoryStoreWith creates a store pre-seeded with the given rules.
func NewMemoryStoreWith(seed ...*Rule) *MemoryStore {
	m := NewMemoryStore()
	for _, r := range seed {
		cp := *r
		m.rules[r.ID] = &cp
	}
	return m
}

func (m *MemoryStore) List(ctx context.Context) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *MemoryStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	r.Enabled = enabled
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}
