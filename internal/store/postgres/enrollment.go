package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bastion-sec/bastion/internal/models"
)

// EnrollmentStore persists second-factor enrollments
type EnrollmentStore struct {
	db *DB
}

func NewEnrollmentStore(db *DB) *EnrollmentStore {
	return &EnrollmentStore{db: db}
}

func (st *EnrollmentStore) Get(ctx context.Context, identity string, method models.MethodKind) (*models.Enrollment, error) {
	var (
		e     models.Enrollment
		codes []byte
	)
	err := st.db.Pool.QueryRow(ctx, `
		SELECT identity, method, secret_encrypted, secret_nonce, contact,
		       enrolled_at, last_accepted_at, backup_codes
		FROM enrollments
		WHERE identity = $1 AND method = $2
	`, identity, string(method)).Scan(
		&e.Identity, &e.Method, &e.SecretEncrypted, &e.SecretNonce, &e.Contact,
		&e.EnrolledAt, &e.LastAcceptedAt, &codes,
	)
	if err != nil {
		return nil, MapError(err)
	}

	if len(codes) > 0 {
		if err := json.Unmarshal(codes, &e.BackupCodes); err != nil {
			return nil, fmt.Errorf("failed to decode backup codes: %w", err)
		}
	}
	return &e, nil
}

func (st *EnrollmentStore) Put(ctx context.Context, e *models.Enrollment) error {
	codes, err := json.Marshal(e.BackupCodes)
	if err != nil {
		return fmt.Errorf("failed to encode backup codes: %w", err)
	}

	_, err = st.db.Pool.Exec(ctx, `
		INSERT INTO enrollments (identity, method, secret_encrypted, secret_nonce, contact,
		                         enrolled_at, last_accepted_at, backup_codes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identity, method) DO UPDATE SET
			secret_encrypted = EXCLUDED.secret_encrypted,
			secret_nonce = EXCLUDED.secret_nonce,
			contact = EXCLUDED.contact,
			enrolled_at = EXCLUDED.enrolled_at,
			last_accepted_at = EXCLUDED.last_accepted_at,
			backup_codes = EXCLUDED.backup_codes
	`,
		e.Identity, string(e.Method), e.SecretEncrypted, e.SecretNonce, e.Contact,
		e.EnrolledAt, e.LastAcceptedAt, codes,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert enrollment: %w", MapError(err))
	}
	return nil
}

func (st *EnrollmentStore) Delete(ctx context.Context, identity string, method models.MethodKind) error {
	tag, err := st.db.Pool.Exec(ctx, `
		DELETE FROM enrollments WHERE identity = $1 AND method = $2
	`, identity, string(method))
	if err != nil {
		return fmt.Errorf("failed to delete enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// TouchAccepted compares-and-swaps the last acceptance timestamp, which
// serializes concurrent verifications of the same time-based code.
func (st *EnrollmentStore) TouchAccepted(ctx context.Context, identity string, method models.MethodKind, prev *time.Time, now time.Time) (bool, error) {
	tag, err := st.db.Pool.Exec(ctx, `
		UPDATE enrollments
		SET last_accepted_at = $1
		WHERE identity = $2 AND method = $3 AND last_accepted_at IS NOT DISTINCT FROM $4
	`, now, identity, string(method), prev)
	if err != nil {
		return false, fmt.Errorf("failed to touch enrollment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (st *EnrollmentStore) UpdateBackupCodes(ctx context.Context, identity string, method models.MethodKind, codes []models.BackupCodeEntry) error {
	encoded, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("failed to encode backup codes: %w", err)
	}

	tag, err := st.db.Pool.Exec(ctx, `
		UPDATE enrollments SET backup_codes = $1 WHERE identity = $2 AND method = $3
	`, encoded, identity, string(method))
	if err != nil {
		return fmt.Errorf("failed to update backup codes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
