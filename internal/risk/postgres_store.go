package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists evidence entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed evidence store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the evidence table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS evidence (
			id          VARCHAR(36) PRIMARY KEY,
			session_id  VARCHAR(64) NOT NULL,
			layer       VARCHAR(16) NOT NULL CHECK (layer IN ('passive', 'active', 'behavior', 'captcha')),
			category    VARCHAR(64) NOT NULL,
			score       NUMERIC(6,2) NOT NULL,
			details     JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_evidence_session
			ON evidence (session_id, created_at);
	`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, entry *EvidenceEntry) error {
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshaling details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evidence (id, session_id, layer, category, score, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		entry.ID,
		entry.SessionID,
		string(entry.Layer),
		entry.Category,
		entry.Score,
		detailsJSON,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting evidence: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string) ([]*EvidenceEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, layer, category, score, details, created_at
		FROM evidence
		WHERE session_id = $1
		ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*EvidenceEntry
	for rows.Next() {
		var e EvidenceEntry
		var layer string
		var detailsJSON []byte

		if err := rows.Scan(&e.ID, &e.SessionID, &layer, &e.Category, &e.Score, &detailsJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning evidence: %w", err)
		}
		e.Layer = Layer(layer)
		if len(detailsJSON) > 0 {
			e.Details = make(map[string]string)
			_ = json.Unmarshal(detailsJSON, &e.Details)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM evidence WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting evidence: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
