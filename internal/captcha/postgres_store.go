package captcha

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed captcha attempt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the captcha_attempts table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS captcha_attempts (
			id               VARCHAR(36) PRIMARY KEY,
			session_id       VARCHAR(36) NOT NULL,
			provider         VARCHAR(40) NOT NULL,
			challenge_type   VARCHAR(40) NOT NULL,
			passed           BOOLEAN NOT NULL,
			response_time_ms BIGINT,
			attempted_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_captcha_attempts_session ON captcha_attempts(session_id);
		CREATE INDEX IF NOT EXISTS idx_captcha_attempts_time ON captcha_attempts(attempted_at);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, attempt *Attempt) error {
	var responseTime sql.NullInt64
	if attempt.ResponseTimeMs != nil {
		responseTime = sql.NullInt64{Int64: *attempt.ResponseTimeMs, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO captcha_attempts (id, session_id, provider, challenge_type, passed, response_time_ms, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, attempt.ID, attempt.SessionID, attempt.Provider, attempt.ChallengeType,
		attempt.Passed, responseTime, attempt.AttemptedAt)
	if err != nil {
		return fmt.Errorf("insert captcha attempt: %w", err)
	}
	return nil
}

func (p *PostgresStore) HasPassed(ctx context.Context, sessionID string) (bool, error) {
	var passed bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM captcha_attempts WHERE session_id = $1 AND passed
		)
	`, sessionID).Scan(&passed)
	if err != nil {
		return false, fmt.Errorf("check captcha pass: %w", err)
	}
	return passed, nil
}

func (p *PostgresStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Attempt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, provider, challenge_type, passed, response_time_ms, attempted_at
		FROM captcha_attempts
		WHERE session_id = $1
		ORDER BY attempted_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list captcha attempts: %w", err)
	}
	defer rows.Close()

	var result []*Attempt
	for rows.Next() {
		var attempt Attempt
		var responseTime sql.NullInt64
		if err := rows.Scan(&attempt.ID, &attempt.SessionID, &attempt.Provider,
			&attempt.ChallengeType, &attempt.Passed, &responseTime, &attempt.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan captcha attempt: %w", err)
		}
		if responseTime.Valid {
			attempt.ResponseTimeMs = &responseTime.Int64
		}
		result = append(result, &attempt)
	}
	return result, rows.Err()
}

func (p *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM captcha_attempts WHERE attempted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge captcha attempts: %w", err)
	}
	return res.RowsAffected()
}
