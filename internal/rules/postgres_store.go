package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_rules table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_rules (
			id         VARCHAR(64) PRIMARY KEY,
			name       VARCHAR(200) NOT NULL,
			type       VARCHAR(32) NOT NULL,
			weight     NUMERIC(5,4) NOT NULL,
			severity   VARCHAR(16) NOT NULL,
			params     JSONB NOT NULL DEFAULT '{}',
			conditions JSONB NOT NULL DEFAULT '{}',
			action     VARCHAR(64) NOT NULL DEFAULT '',
			enabled    BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_risk_rules_enabled ON risk_rules(enabled);
	`)
	return err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Rule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, type, weight, severity, params, conditions, action, enabled, created_at, updated_at
		FROM risk_rules ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, type, weight, severity, params, conditions, action, enabled, created_at, updated_at
		FROM risk_rules WHERE id = $1
	`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, r *Rule) error {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	params := r.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO risk_rules (id, name, type, weight, severity, params, conditions, action, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, weight = EXCLUDED.weight,
			severity = EXCLUDED.severity, params = EXCLUDED.params,
			conditions = EXCLUDED.conditions, action = EXCLUDED.action,
			enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at
	`, r.ID, r.Name, string(r.Type), r.Weight, string(r.Severity),
		[]byte(params), conditions, r.Action, r.Enabled, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

func (p *PostgresStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE risk_rules SET enabled = $2, updated_at = NOW() WHERE id = $1
	`, id, enabled)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM risk_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*Rule, error) {
	var (
		r          Rule
		ruleType   string
		severity   string
		params     []byte
		conditions []byte
	)
	err := s.Scan(&r.ID, &r.Name, &ruleType, &r.Weight, &severity,
		&params, &conditions, &r.Action, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Type = Type(ruleType)
	r.Severity = Severity(severity)
	r.Params = json.RawMessage(params)
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	return &r, nil
}
