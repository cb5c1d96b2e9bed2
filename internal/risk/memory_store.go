package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory assessment store for demo/test use. It keeps a
// bounded number of assessments per identifier.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // identifier key → assessments
	maxPerKey   int
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
		maxPerKey:   500,
	}
}

func (s *MemoryStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	list := append(s.assessments[a.Identifier], &cp)
	if len(list) > s.maxPerKey {
		list = list[len(list)-s.maxPerKey:]
	}
	s.assessments[a.Identifier] = list
	return nil
}

func (s *MemoryStore) ListByIdentifier(ctx context.Context, identifierKey string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[identifierKey]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// Most recent first.
	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}
