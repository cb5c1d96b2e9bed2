package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_assessments table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_assessments (
			id             VARCHAR(36) PRIMARY KEY,
			identifier     VARCHAR(256) NOT NULL,
			action         VARCHAR(64) NOT NULL,
			overall_score  NUMERIC(5,2) NOT NULL CHECK (overall_score >= 0 AND overall_score <= 100),
			risk_level     VARCHAR(16) NOT NULL,
			recommendation VARCHAR(16) NOT NULL,
			components     JSONB NOT NULL DEFAULT '{}',
			triggered      JSONB NOT NULL DEFAULT '[]',
			factors        JSONB NOT NULL DEFAULT '[]',
			evaluated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_identifier
			ON risk_assessments (identifier, evaluated_at DESC);
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	components, err := json.Marshal(a.ComponentScores)
	if err != nil {
		return fmt.Errorf("marshal components: %w", err)
	}
	triggered, err := json.Marshal(a.TriggeredRules)
	if err != nil {
		return fmt.Errorf("marshal triggered rules: %w", err)
	}
	factors, err := json.Marshal(a.RiskFactors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments
			(id, identifier, action, overall_score, risk_level, recommendation,
			 components, triggered, factors, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.Identifier, a.Action, a.OverallScore, string(a.Level),
		string(a.Recommendation), components, triggered, factors, a.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByIdentifier(ctx context.Context, identifierKey string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identifier, action, overall_score, risk_level, recommendation,
		       components, triggered, factors, evaluated_at
		FROM risk_assessments
		WHERE identifier = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, identifierKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var (
			a          Assessment
			level      string
			rec        string
			components []byte
			triggered  []byte
			factors    []byte
		)
		if err := rows.Scan(&a.ID, &a.Identifier, &a.Action, &a.OverallScore,
			&level, &rec, &components, &triggered, &factors, &a.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		a.Level = Level(level)
		a.Recommendation = Recommendation(rec)
		_ = json.Unmarshal(components, &a.ComponentScores)
		_ = json.Unmarshal(triggered, &a.TriggeredRules)
		_ = json.Unmarshal(factors, &a.RiskFactors)
		result = append(result, &a)
	}
	return result, rows.Err()
}
