package models

import "time"

// LockoutRecord tracks consecutive authentication failures for one subject
// (an identity or an origin address). Failure counts are monotonically
// non-decreasing between resets; a reset only happens on verified success.
type LockoutRecord struct {
	Subject         string     `json:"subject"`
	FailureCount    int        `json:"failure_count"`
	FirstFailureAt  time.Time  `json:"first_failure_at"`
	LockedUntil     *time.Time `json:"locked_until,omitempty"`
	EscalationLevel int        `json:"escalation_level"`
}

// Locked reports whether the record holds an active lock at now
func (r *LockoutRecord) Locked(now time.Time) bool {
	return r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

// LockoutDecision is the outcome of recording an authentication attempt
type LockoutDecision struct {
	Allowed     bool
	LockedUntil *time.Time
}
