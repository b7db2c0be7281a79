package banlist

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

// NewPostgresStore creates a new PostgreSQL-backed ban list store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ban_list table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ban_list (
			ip_address VARCHAR(45) PRIMARY KEY,
			reason     TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ban_list_expires ON ban_list(expires_at);
	`)
	return err
}

func (p *PostgresStore) Upsert(ctx context.Context, entry *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ban_list (ip_address, reason, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ip_address) DO UPDATE
		SET reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at
	`, entry.IPAddress, entry.Reason, entry.ExpiresAt, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert ban: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, ip string) (*Entry, error) {
	var entry Entry
	err := p.db.QueryRowContext(ctx, `
		SELECT ip_address, reason, expires_at, created_at
		FROM ban_list WHERE ip_address = $1
	`, ip).Scan(&entry.IPAddress, &entry.Reason, &entry.ExpiresAt, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ban: %w", err)
	}
	return &entry, nil
}

func (p *PostgresStore) Delete(ctx context.Context, ip string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM ban_list WHERE ip_address = $1`, ip)
	if err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete ban rows: %w", err)
	}
	if rows == 0 {
		return ErrBanNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM ban_list WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired bans: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ip_address, reason, expires_at, created_at
		FROM ban_list ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	defer rows.Close()

	var result []*Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.IPAddress, &entry.Reason, &entry.ExpiresAt, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		result = append(result, &entry)
	}
	return result, rows.Err()
}
