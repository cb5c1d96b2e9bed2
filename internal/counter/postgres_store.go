package counter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/perimetra/riskgate/internal/identifier"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. A single upsert makes
// Increment atomic increment-and-return; an expired row is reset in the same
// statement rather than deleted first, so there is no window where two
// writers can both observe a stale bucket.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed counter store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the velocity_counters table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS velocity_counters (
			key        VARCHAR(512) PRIMARY KEY,
			count      BIGINT NOT NULL DEFAULT 0,
			sum        NUMERIC(20,6) NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_velocity_counters_expires ON velocity_counters(expires_at);
	`)
	return err
}

func (p *PostgresStore) Increment(ctx context.Context, key string, amount float64, window identifier.Window) (Usage, error) {
	expiresAt := time.Now().Add(window.Size)

	var u Usage
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO velocity_counters (key, count, sum, expires_at, updated_at)
		VALUES ($1, 1, $2::NUMERIC(20,6), $3, NOW())
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN velocity_counters.expires_at <= NOW()
				THEN 1 ELSE velocity_counters.count + 1 END,
			sum = CASE WHEN velocity_counters.expires_at <= NOW()
				THEN EXCLUDED.sum ELSE velocity_counters.sum + EXCLUDED.sum END,
			expires_at = CASE WHEN velocity_counters.expires_at <= NOW()
				THEN EXCLUDED.expires_at ELSE velocity_counters.expires_at END,
			updated_at = NOW()
		RETURNING count, sum
	`, key, amount, expiresAt).Scan(&u.Count, &u.Sum)
	if err != nil {
		return Usage{}, fmt.Errorf("%w: increment %s: %v", ErrStoreUnavailable, key, err)
	}
	return u, nil
}

func (p *PostgresStore) Read(ctx context.Context, key string) (Usage, error) {
	var u Usage
	err := p.db.QueryRowContext(ctx, `
		SELECT count, sum FROM velocity_counters
		WHERE key = $1 AND expires_at > NOW()
	`, key).Scan(&u.Count, &u.Sum)
	if err == sql.ErrNoRows {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, key, err)
	}
	return u, nil
}

// Sweep deletes expired buckets. Returns the number removed.
func (p *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM velocity_counters WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("%w: sweep: %v", ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
