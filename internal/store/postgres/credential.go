package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bastion-sec/bastion/internal/models"
)

// CredentialStore persists credential records with bounded history
type CredentialStore struct {
	db *DB
}

func NewCredentialStore(db *DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (st *CredentialStore) Get(ctx context.Context, identity string) (*models.CredentialRecord, error) {
	var (
		rec     models.CredentialRecord
		history []byte
	)
	err := st.db.Pool.QueryRow(ctx, `
		SELECT identity, hash, created_at, history FROM credentials WHERE identity = $1
	`, identity).Scan(&rec.Identity, &rec.Hash, &rec.CreatedAt, &history)
	if err != nil {
		return nil, MapError(err)
	}

	if len(history) > 0 {
		if err := json.Unmarshal(history, &rec.History); err != nil {
			return nil, fmt.Errorf("failed to decode credential history: %w", err)
		}
	}
	return &rec, nil
}

func (st *CredentialStore) Update(ctx context.Context, rec *models.CredentialRecord) error {
	history, err := json.Marshal(rec.History)
	if err != nil {
		return fmt.Errorf("failed to encode credential history: %w", err)
	}

	_, err = st.db.Pool.Exec(ctx, `
		INSERT INTO credentials (identity, hash, created_at, history)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity) DO UPDATE SET
			hash = EXCLUDED.hash,
			created_at = EXCLUDED.created_at,
			history = EXCLUDED.history
	`, rec.Identity, rec.Hash, rec.CreatedAt, history)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", MapError(err))
	}
	return nil
}
