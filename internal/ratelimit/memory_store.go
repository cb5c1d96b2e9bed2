package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory state/exemption store for demo/development
// mode and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	states     map[string]*StateRecord // "identifier|action" → record
	exemptions map[string]*Exemption   // identifier → exemption
}

// NewMemoryStore creates a new in-memory rate limit state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:     make(map[string]*StateRecord),
		exemptions: make(map[string]*Exemption),
	}
}

func memKey(identifierKey, action string) string {
	return identifierKey + "|" + action
}

func (m *MemoryStore) GetState(ctx context.Context, identifierKey, action string) (*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.states[memKey(identifierKey, action)]
	if !ok {
		return nil, ErrStateNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) PutState(ctx context.Context, rec *StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.states[memKey(rec.Identifier, rec.Action)] = &cp
	return nil
}

func (m *MemoryStore) DeleteState(ctx context.Context, identifierKey, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, memKey(identifierKey, action))
	return nil
}

func (m *MemoryStore) GetExemption(ctx context.Context, identifierKey string) (*Exemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.exemptions[identifierKey]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) PutExemption(ctx context.Context, e *Exemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.exemptions[e.Identifier] = &cp
	return nil
}

func (m *MemoryStore) DeleteExemption(ctx context.Context, identifierKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.exemptions, identifierKey)
	return nil
}

// Sweep removes expired exemptions and stale clear states. Returns the
// number removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range m.exemptions {
		if now.After(e.ExpiresAt) {
			delete(m.exemptions, k)
			removed++
		}
	}
	for k, rec := range m.states {
		if rec.State == StateClear && rec.PenaltyLevel == 0 {
			delete(m.states, k)
			removed++
		}
	}
	return removed
}
