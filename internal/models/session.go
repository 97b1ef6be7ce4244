package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is an authenticated principal's active session. Only the session
// manager writes RiskScore; it is recomputed, never edited retroactively.
type Session struct {
	ID              uuid.UUID `db:"id"`
	Identity        string    `db:"identity"`
	Origin          string    `db:"origin"`
	ClientSignature string    `db:"client_signature"`
	Fingerprint     string    `db:"fingerprint"`
	CreatedAt       time.Time `db:"created_at"`
	LastActivityAt  time.Time `db:"last_activity_at"`
	ExpiresAt       time.Time `db:"expires_at"` // absolute timeout boundary
	RiskScore       float64   `db:"risk_score"`
	Revoked         bool      `db:"revoked"`
	Version         int64     `db:"version"` // bumped on every store update, used for compare-and-swap
}

// Active reports whether the session is neither revoked nor past its
// absolute timeout. Idle timeout is a policy decision and is checked by the
// session manager, not here.
func (s *Session) Active(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// IdleExpired reports whether no validated activity happened within the idle window
func (s *Session) IdleExpired(now time.Time, idle time.Duration) bool {
	return !now.Before(s.LastActivityAt.Add(idle))
}
