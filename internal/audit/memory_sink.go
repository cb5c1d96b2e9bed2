package audit

import (
	"context"
	"sync"
	"time"
)

// MemorySink is a bounded in-memory audit sink for demo/test use. When full,
// the oldest events are dropped.
type MemorySink struct {
	mu     sync.RWMutex
	events []*Event
	max    int
}

// NewMemorySink creates an in-memory sink holding up to max events.
func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 10000
	}
	return &MemorySink{max: max}
}

func (m *MemorySink) Record(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.events = append(m.events, &cp)
	if len(m.events) > m.max {
		m.events = m.events[len(m.events)-m.max:]
	}
	return nil
}

func (m *MemorySink) List(ctx context.Context, identifierKey string, from, to time.Time, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	// Most recent first.
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if identifierKey != "" && e.Identifier != identifierKey {
			continue
		}
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
