// Package audit records every decision the engine produces. Delivery is
// fire-and-forget from the engine's perspective: a dead sink is logged and
// counted, never propagated into the request path.
package audit

import (
	"context"
	"time"

	"github.com/perimetra/riskgate/internal/bizrules"
	"github.com/perimetra/riskgate/internal/risk"
)

// Event is one audit record: the decision plus everything that led to it.
type Event struct {
	ID          string               `json:"id"`
	Identifier  string               `json:"identifier"`
	Action      string               `json:"action"`
	Outcome     string               `json:"outcome"`
	Amount      float64              `json:"amount,omitempty"`
	Currency    string               `json:"currency,omitempty"`
	Violations  []bizrules.Violation `json:"violations,omitempty"`
	Assessment  *risk.Assessment     `json:"riskAssessment,omitempty"`
	RateLimit   string               `json:"rateLimitCode,omitempty"`
	RequestID   string               `json:"requestId,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
}

// Sink accepts audit events.
type Sink interface {
	Record(ctx context.Context, e *Event) error
	List(ctx context.Context, identifierKey string, from, to time.Time, limit int) ([]*Event, error)
}
