package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/bastion-sec/bastion/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SessionStore persists sessions in the sessions table
type SessionStore struct {
	db *DB
}

func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `id, identity, origin, client_signature, fingerprint,
	created_at, last_activity_at, expires_at, risk_score, revoked, version`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(
		&s.ID, &s.Identity, &s.Origin, &s.ClientSignature, &s.Fingerprint,
		&s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt, &s.RiskScore, &s.Revoked, &s.Version,
	)
	if err != nil {
		return nil, MapError(err)
	}
	return &s, nil
}

// Create inserts the session while holding a per-identity advisory lock so
// the active-count check and the insert are a single atomic step across
// concurrent instances.
func (st *SessionStore) Create(ctx context.Context, s *models.Session, maxActive int, now time.Time) error {
	tx, err := st.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin session create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.Identity); err != nil {
		return fmt.Errorf("failed to lock identity sessions: %w", err)
	}

	if maxActive > 0 {
		var active int
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM sessions
			WHERE identity = $1 AND NOT revoked AND expires_at > $2
		`, s.Identity, now).Scan(&active)
		if err != nil {
			return fmt.Errorf("failed to count active sessions: %w", err)
		}
		if active >= maxActive {
			return models.ErrConcurrencyLimit
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		s.ID, s.Identity, s.Origin, s.ClientSignature, s.Fingerprint,
		s.CreatedAt, s.LastActivityAt, s.ExpiresAt, s.RiskScore, s.Revoked, s.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", MapError(err))
	}

	return tx.Commit(ctx)
}

func (st *SessionStore) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	row := st.db.Pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = $1
	`, id)

	s, err := scanSession(row)
	if err == models.ErrNotFound {
		return nil, models.ErrSessionNotFound
	}
	return s, err
}

func (st *SessionStore) CompareAndSwap(ctx context.Context, s *models.Session) (bool, error) {
	tag, err := st.db.Pool.Exec(ctx, `
		UPDATE sessions
		SET last_activity_at = $1, risk_score = $2, revoked = $3, version = version + 1
		WHERE id = $4 AND version = $5
	`, s.LastActivityAt, s.RiskScore, s.Revoked, s.ID, s.Version)
	if err != nil {
		return false, fmt.Errorf("failed to update session: %w", MapError(err))
	}

	if tag.RowsAffected() == 0 {
		// Distinguish version conflict from a missing row
		var exists bool
		if err := st.db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return false, fmt.Errorf("failed to check session existence: %w", err)
		}
		if !exists {
			return false, models.ErrSessionNotFound
		}
		return false, nil
	}

	s.Version++
	return true, nil
}

func (st *SessionStore) ListByIdentity(ctx context.Context, identity string) ([]*models.Session, error) {
	rows, err := st.db.Pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE identity = $1
		ORDER BY created_at DESC
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

func (st *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := st.db.Pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
