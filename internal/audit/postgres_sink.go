package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Compile-time check that PostgresSink implements Sink.
var _ Sink = (*PostgresSink)(nil)

// PostgresSink writes audit events to PostgreSQL.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates an audit sink backed by PostgreSQL.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate creates the audit_events table if it doesn't exist.
func (p *PostgresSink) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id           VARCHAR(36) PRIMARY KEY,
			identifier   VARCHAR(256) NOT NULL,
			action       VARCHAR(64) NOT NULL,
			outcome      VARCHAR(16) NOT NULL,
			amount       NUMERIC(20,6) NOT NULL DEFAULT 0,
			currency     VARCHAR(8) NOT NULL DEFAULT '',
			violations   JSONB NOT NULL DEFAULT '[]',
			assessment   JSONB,
			ratelimit    VARCHAR(64) NOT NULL DEFAULT '',
			request_id   VARCHAR(64) NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_identifier
			ON audit_events (identifier, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_events_outcome
			ON audit_events (outcome, created_at DESC);
	`)
	return err
}

func (p *PostgresSink) Record(ctx context.Context, e *Event) error {
	violations, err := json.Marshal(e.Violations)
	if err != nil {
		return fmt.Errorf("marshal violations: %w", err)
	}
	var assessment []byte
	if e.Assessment != nil {
		assessment, err = json.Marshal(e.Assessment)
		if err != nil {
			return fmt.Errorf("marshal assessment: %w", err)
		}
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, identifier, action, outcome, amount, currency,
			 violations, assessment, ratelimit, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.Identifier, e.Action, e.Outcome, e.Amount, e.Currency,
		violations, nullBytes(assessment), e.RateLimit, e.RequestID, e.Timestamp)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

func (p *PostgresSink) List(ctx context.Context, identifierKey string, from, to time.Time, limit int) ([]*Event, error) {
	if to.IsZero() {
		to = time.Now()
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, identifier, action, outcome, amount, currency,
		       violations, assessment, ratelimit, request_id, created_at
		FROM audit_events
		WHERE ($1 = '' OR identifier = $1)
		  AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4
	`, identifierKey, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		var (
			e          Event
			violations []byte
			assessment []byte
		)
		if err := rows.Scan(&e.ID, &e.Identifier, &e.Action, &e.Outcome,
			&e.Amount, &e.Currency, &violations, &assessment,
			&e.RateLimit, &e.RequestID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		_ = json.Unmarshal(violations, &e.Violations)
		if len(assessment) > 0 {
			_ = json.Unmarshal(assessment, &e.Assessment)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
