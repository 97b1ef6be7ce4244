package services

import (
	"time"

	"github.com/bastion-sec/bastion/internal/models"
)

// LockoutState classifies a subject's standing
type LockoutState string

const (
	LockoutClear   LockoutState = "clear"
	LockoutWarning LockoutState = "warning"
	LockoutLocked  LockoutState = "locked"
)

// LockoutConfig tunes the progressive lockout policy
type LockoutConfig struct {
	Threshold       int           // failures before the first lock
	WarningAt       int           // failures before the subject is flagged as at-risk
	Window          time.Duration // failure counting window
	BaseDuration    time.Duration // first lock duration
	Multiplier      float64       // duration growth per escalation level
	MaxDuration     time.Duration // escalation ceiling
	MFAShareCounter bool          // second-factor failures feed the primary counter instead of their own
	MFAWeight       int64         // counter increment per second-factor failure
}

// DefaultLockoutConfig returns production defaults
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		Threshold:       5,
		WarningAt:       3,
		Window:          15 * time.Minute,
		BaseDuration:    1 * time.Minute,
		Multiplier:      2.0,
		MaxDuration:     24 * time.Hour,
		MFAShareCounter: true,
		MFAWeight:       1,
	}
}

// lockDuration computes the lock span for an escalation level, growing
// geometrically from the base and capped at the ceiling. Level 0 is the
// first lock.
func (c LockoutConfig) lockDuration(level int) time.Duration {
	d := c.BaseDuration
	for i := 0; i < level; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if d >= c.MaxDuration {
			return c.MaxDuration
		}
	}
	if d > c.MaxDuration {
		return c.MaxDuration
	}
	return d
}

// classify maps a record to its state at now
func (c LockoutConfig) classify(rec *models.LockoutRecord, now time.Time) LockoutState {
	if rec == nil {
		return LockoutClear
	}
	if rec.Locked(now) {
		return LockoutLocked
	}
	if rec.FailureCount >= c.WarningAt {
		return LockoutWarning
	}
	return LockoutClear
}
