// Package store defines the collaborator interfaces the security core
// depends on. Implementations live in the memory, postgres, and redis
// subpackages; the core never assumes a particular backend.
package store

import (
	"context"
	"time"

	"github.com/bastion-sec/bastion/internal/models"
	"github.com/google/uuid"
)

// AtomicStore is a shared keyed store with atomic operations and per-key
// expiry. It backs lockout counters and lock records so that concurrent
// instances cannot race a read-modify-write sequence past a threshold.
type AtomicStore interface {
	// IncrBy atomically adds delta to the counter at key and returns the new
	// value. The ttl applies when the key is created by this call.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Get returns the value at key. The second return is false when the key
	// is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set unconditionally writes value at key with the given ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSet writes value only if the current value equals old.
	// A nil old means "create only if absent". Returns false on mismatch.
	CompareAndSet(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error
}

// SessionStore persists sessions. Create enforces the per-identity active
// session limit atomically in the backend so two concurrent creates cannot
// both slip under the limit.
type SessionStore interface {
	// Create inserts the session unless the identity already has maxActive
	// active (non-revoked, non-expired) sessions, in which case it returns
	// models.ErrConcurrencyLimit.
	Create(ctx context.Context, s *models.Session, maxActive int, now time.Time) error

	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)

	// CompareAndSwap persists s only if the stored version still equals
	// s.Version, bumping the version on success. Returns false on conflict.
	CompareAndSwap(ctx context.Context, s *models.Session) (bool, error)

	ListByIdentity(ctx context.Context, identity string) ([]*models.Session, error)

	// DeleteExpired physically removes sessions past their absolute timeout
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ChallengeStore persists out-of-band challenges
type ChallengeStore interface {
	Create(ctx context.Context, c *models.Challenge) error
	Get(ctx context.Context, id uuid.UUID) (*models.Challenge, error)

	// ConsumeOnce atomically sets the consumed flag. Returns false if the
	// challenge was already consumed, so a double submit cannot verify twice.
	ConsumeOnce(ctx context.Context, id uuid.UUID) (bool, error)

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// EnrollmentStore persists second-factor enrollments, one per method kind
// per identity.
type EnrollmentStore interface {
	Get(ctx context.Context, identity string, method models.MethodKind) (*models.Enrollment, error)
	Put(ctx context.Context, e *models.Enrollment) error
	Delete(ctx context.Context, identity string, method models.MethodKind) error

	// TouchAccepted records the acceptance time of a time-based code only if
	// the stored value still equals prev. Returns false on conflict, which
	// signals a concurrent verification already accepted a code.
	TouchAccepted(ctx context.Context, identity string, method models.MethodKind, prev *time.Time, now time.Time) (bool, error)

	// UpdateBackupCodes replaces the enrollment's backup code entries
	UpdateBackupCodes(ctx context.Context, identity string, method models.MethodKind, codes []models.BackupCodeEntry) error
}

// CredentialStore reads and updates identity credentials
type CredentialStore interface {
	Get(ctx context.Context, identity string) (*models.CredentialRecord, error)
	Update(ctx context.Context, rec *models.CredentialRecord) error
}

// EventSink is the append-only audit log. Append either succeeds durably or
// returns an error; it never reports false success.
type EventSink interface {
	Append(ctx context.Context, event *models.AuditEvent) error
	Query(ctx context.Context, tr models.TimeRange, filter models.EventFilter) ([]*models.AuditEvent, error)

	// DeleteBefore purges events older than t per retention policy
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

// MessageChannel delivers out-of-band challenge codes
type MessageChannel interface {
	Send(ctx context.Context, contact, subject, body string) error
}
