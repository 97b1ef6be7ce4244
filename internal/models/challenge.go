package models

import (
	"time"

	"github.com/google/uuid"
)

// MethodKind identifies a second-factor challenge method
type MethodKind string

const (
	MethodTimeBased MethodKind = "totp"
	MethodOutOfBand MethodKind = "oob"
)

// Valid reports whether the kind is a known challenge method
func (k MethodKind) Valid() bool {
	return k == MethodTimeBased || k == MethodOutOfBand
}

// Challenge is an ephemeral second-factor challenge. Out-of-band challenges
// are persisted with a short expiry; time-based challenges are derived from
// the shared secret and never stored. The Consumed flag, once set, never
// reverts.
type Challenge struct {
	ID        uuid.UUID  `db:"id"`
	Identity  string     `db:"identity"`
	Method    MethodKind `db:"method"`
	CodeHash  string     `db:"code_hash"`
	IssuedAt  time.Time  `db:"issued_at"`
	ExpiresAt time.Time  `db:"expires_at"`
	Consumed  bool       `db:"consumed"`
}

// Expired reports whether the challenge has passed its expiry
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Enrollment binds an identity to a challenge method. One enrollment per
// method kind per identity.
type Enrollment struct {
	Identity        string     `db:"identity"`
	Method          MethodKind `db:"method"`
	SecretEncrypted []byte     `db:"secret_encrypted"` // AES-256-GCM encrypted TOTP secret
	SecretNonce     []byte     `db:"secret_nonce"`     // GCM nonce (12 bytes)
	Contact         string     `db:"contact"`          // delivery address for out-of-band codes
	EnrolledAt      time.Time  `db:"enrolled_at"`
	LastAcceptedAt  *time.Time `db:"last_accepted_at"` // for time-based replay rejection
	BackupCodes     []BackupCodeEntry
}

// BackupCodeEntry is a single-use recovery code
type BackupCodeEntry struct {
	CodeHash  string     `json:"code_hash"` // bcrypt hash
	UsedAt    *time.Time `json:"used_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// EnrollmentSetup is returned when a new enrollment is created
type EnrollmentSetup struct {
	Enrollment  *Enrollment
	Secret      string   // plaintext secret, shown once at enrollment
	QRCode      string   // provisioning QR as data URL (time-based only)
	BackupCodes []string // plaintext recovery codes, shown once
}
