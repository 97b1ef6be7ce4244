package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/bastion-sec/bastion/internal/models"
	"github.com/google/uuid"
)

// ChallengeStore persists out-of-band challenges
type ChallengeStore struct {
	db *DB
}

func NewChallengeStore(db *DB) *ChallengeStore {
	return &ChallengeStore{db: db}
}

func (st *ChallengeStore) Create(ctx context.Context, c *models.Challenge) error {
	_, err := st.db.Pool.Exec(ctx, `
		INSERT INTO challenges (id, identity, method, code_hash, issued_at, expires_at, consumed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.Identity, string(c.Method), c.CodeHash, c.IssuedAt, c.ExpiresAt, c.Consumed)
	if err != nil {
		return fmt.Errorf("failed to insert challenge: %w", MapError(err))
	}
	return nil
}

func (st *ChallengeStore) Get(ctx context.Context, id uuid.UUID) (*models.Challenge, error) {
	var c models.Challenge
	err := st.db.Pool.QueryRow(ctx, `
		SELECT id, identity, method, code_hash, issued_at, expires_at, consumed
		FROM challenges WHERE id = $1
	`, id).Scan(&c.ID, &c.Identity, &c.Method, &c.CodeHash, &c.IssuedAt, &c.ExpiresAt, &c.Consumed)
	if err != nil {
		if MapError(err) == models.ErrNotFound {
			return nil, models.ErrChallengeNotFound
		}
		return nil, MapError(err)
	}
	return &c, nil
}

// ConsumeOnce flips the consumed flag in a single statement; the WHERE
// clause guarantees only one caller can win.
func (st *ChallengeStore) ConsumeOnce(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := st.db.Pool.Exec(ctx, `
		UPDATE challenges SET consumed = TRUE WHERE id = $1 AND NOT consumed
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := st.db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM challenges WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, fmt.Errorf("failed to check challenge existence: %w", err)
		}
		if !exists {
			return false, models.ErrChallengeNotFound
		}
		return false, nil
	}
	return true, nil
}

func (st *ChallengeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := st.db.Pool.Exec(ctx, `DELETE FROM challenges WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired challenges: %w", err)
	}
	return tag.RowsAffected(), nil
}
