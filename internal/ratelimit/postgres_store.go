package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements StateStore.
var _ StateStore = (*PostgresStore)(nil)

// PostgresStore implements StateStore backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed rate limit state store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the rate limit tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limit_states (
			identifier      VARCHAR(256) NOT NULL,
			action          VARCHAR(64) NOT NULL,
			state           VARCHAR(16) NOT NULL DEFAULT 'clear',
			violation_count INT NOT NULL DEFAULT 0,
			penalty_level   INT NOT NULL DEFAULT 0,
			blocked_until   TIMESTAMPTZ,
			last_violation  TIMESTAMPTZ,
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (identifier, action)
		);

		CREATE TABLE IF NOT EXISTS rate_limit_exemptions (
			identifier VARCHAR(256) PRIMARY KEY,
			action     VARCHAR(64) NOT NULL DEFAULT '',
			reason     TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_rate_limit_exemptions_expires
			ON rate_limit_exemptions(expires_at);
	`)
	return err
}

func (p *PostgresStore) GetState(ctx context.Context, identifierKey, action string) (*StateRecord, error) {
	var (
		rec           StateRecord
		state         string
		blockedUntil  sql.NullTime
		lastViolation sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT identifier, action, state, violation_count, penalty_level,
		       blocked_until, last_violation, updated_at
		FROM rate_limit_states WHERE identifier = $1 AND action = $2
	`, identifierKey, action).Scan(&rec.Identifier, &rec.Action, &state,
		&rec.ViolationCount, &rec.PenaltyLevel, &blockedUntil, &lastViolation, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	rec.State = State(state)
	if blockedUntil.Valid {
		rec.BlockedUntil = blockedUntil.Time
	}
	if lastViolation.Valid {
		rec.LastViolation = lastViolation.Time
	}
	return &rec, nil
}

func (p *PostgresStore) PutState(ctx context.Context, rec *StateRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rate_limit_states
			(identifier, action, state, violation_count, penalty_level,
			 blocked_until, last_violation, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identifier, action) DO UPDATE SET
			state = EXCLUDED.state,
			violation_count = EXCLUDED.violation_count,
			penalty_level = EXCLUDED.penalty_level,
			blocked_until = EXCLUDED.blocked_until,
			last_violation = EXCLUDED.last_violation,
			updated_at = EXCLUDED.updated_at
	`, rec.Identifier, rec.Action, string(rec.State), rec.ViolationCount,
		rec.PenaltyLevel, nullTime(rec.BlockedUntil), nullTime(rec.LastViolation), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteState(ctx context.Context, identifierKey, action string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM rate_limit_states WHERE identifier = $1 AND action = $2`,
		identifierKey, action)
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetExemption(ctx context.Context, identifierKey string) (*Exemption, error) {
	var e Exemption
	err := p.db.QueryRowContext(ctx, `
		SELECT identifier, action, reason, expires_at, created_at
		FROM rate_limit_exemptions WHERE identifier = $1
	`, identifierKey).Scan(&e.Identifier, &e.Action, &e.Reason, &e.ExpiresAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get exemption: %w", err)
	}
	return &e, nil
}

func (p *PostgresStore) PutExemption(ctx context.Context, e *Exemption) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rate_limit_exemptions (identifier, action, reason, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identifier) DO UPDATE SET
			action = EXCLUDED.action, reason = EXCLUDED.reason,
			expires_at = EXCLUDED.expires_at
	`, e.Identifier, e.Action, e.Reason, e.ExpiresAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("put exemption: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteExemption(ctx context.Context, identifierKey string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM rate_limit_exemptions WHERE identifier = $1`, identifierKey)
	if err != nil {
		return fmt.Errorf("delete exemption: %w", err)
	}
	return nil
}

// Sweep removes expired exemptions. Returns the number removed.
func (p *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM rate_limit_exemptions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("sweep exemptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
