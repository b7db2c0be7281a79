package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the sessions table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id                      VARCHAR(36) PRIMARY KEY,
			status                  VARCHAR(20) NOT NULL DEFAULT 'active',
			ip_address              VARCHAR(45) NOT NULL,
			user_agent              TEXT NOT NULL DEFAULT '',
			risk_score              NUMERIC(5,2) NOT NULL DEFAULT 0,
			risk_level              VARCHAR(10) NOT NULL DEFAULT 'low',
			queue_token             VARCHAR(64),
			queue_position          BIGINT,
			access_token            VARCHAR(64),
			access_token_expires_at TIMESTAMPTZ,
			is_banned               BOOLEAN NOT NULL DEFAULT FALSE,
			ban_reason              TEXT,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_ip ON sessions(ip_address);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_access_token
			ON sessions(access_token) WHERE access_token IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen_at);
	`)
	return err
}

const sessionColumns = `
	id, status, ip_address, user_agent, risk_score, risk_level,
	queue_token, queue_position, access_token, access_token_expires_at,
	is_banned, ban_reason, created_at, last_seen_at`

func (p *PostgresStore) Create(ctx context.Context, sess *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		sess.ID, string(sess.Status), sess.IPAddress, sess.UserAgent,
		sess.RiskScore, string(sess.RiskLevel),
		nullString(sess.QueueToken), nullInt64Ptr(sess.QueuePosition),
		nullString(sess.AccessToken), nullTimePtr(sess.AccessTokenExpiresAt),
		sess.IsBanned, nullString(sess.BanReason),
		sess.CreatedAt, sess.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

func (p *PostgresStore) GetByAccessToken(ctx context.Context, token string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE access_token = $1
	`, token)
	return scanSession(row)
}

func (p *PostgresStore) Update(ctx context.Context, sess *Session) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = $2, risk_score = $3, risk_level = $4,
			queue_token = $5, queue_position = $6,
			access_token = $7, access_token_expires_at = $8,
			is_banned = $9, ban_reason = $10, last_seen_at = $11
		WHERE id = $1
	`,
		sess.ID, string(sess.Status), sess.RiskScore, string(sess.RiskLevel),
		nullString(sess.QueueToken), nullInt64Ptr(sess.QueuePosition),
		nullString(sess.AccessToken), nullTimePtr(sess.AccessTokenExpiresAt),
		sess.IsBanned, nullString(sess.BanReason), sess.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresStore) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET last_seen_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresStore) UpdateRisk(ctx context.Context, id string, score float64, level RiskLevel, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET risk_score = $2, risk_level = $3, last_seen_at = $4
		WHERE id = $1
	`, id, score, string(level), at)
	if err != nil {
		return fmt.Errorf("update session risk: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = ANY($1)
		ORDER BY created_at
		LIMIT $2
	`, pq.Array(statusStrings(statuses)), limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (p *PostgresStore) ListUnseenSince(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = ANY($1) AND last_seen_at < $2
		ORDER BY last_seen_at
		LIMIT $3
	`, pq.Array(statusStrings(statuses)), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list unseen sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (p *PostgresStore) ListAccessExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('admitted', 'purchasing')
		  AND access_token_expires_at IS NOT NULL
		  AND access_token_expires_at < $1
		ORDER BY access_token_expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list access-expired sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (p *PostgresStore) ExpireBulk(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'expired',
			access_token = NULL,
			access_token_expires_at = NULL,
			queue_position = NULL
		WHERE id = ANY($1)
		  AND status NOT IN ('completed', 'banned', 'expired')
	`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("bulk expire sessions: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE status IN ('completed', 'banned', 'expired')
		  AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal sessions: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sessions GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for scanSession.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var status, level string
	var queueToken, accessToken, banReason sql.NullString
	var queuePos sql.NullInt64
	var accessExpires sql.NullTime

	err := row.Scan(
		&sess.ID, &status, &sess.IPAddress, &sess.UserAgent,
		&sess.RiskScore, &level,
		&queueToken, &queuePos, &accessToken, &accessExpires,
		&sess.IsBanned, &banReason, &sess.CreatedAt, &sess.LastSeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Status = Status(status)
	sess.RiskLevel = RiskLevel(level)
	sess.QueueToken = queueToken.String
	sess.AccessToken = accessToken.String
	sess.BanReason = banReason.String
	if queuePos.Valid {
		sess.QueuePosition = &queuePos.Int64
	}
	if accessExpires.Valid {
		t := accessExpires.Time
		sess.AccessTokenExpiresAt = &t
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
