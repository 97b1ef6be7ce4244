package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event kinds for security audit logging
const (
	EventKindLoginSuccess   = "login_success"
	EventKindLoginFailed    = "login_failed"
	EventKindMFAIssued      = "mfa_issued"
	EventKindMFAVerified    = "mfa_verified"
	EventKindMFAFailed      = "mfa_failed"
	EventKindMFAEnrolled    = "mfa_enrolled"
	EventKindMFADisabled    = "mfa_disabled"
	EventKindSessionCreated = "session_created"
	EventKindSessionValid   = "session_validated"
	EventKindSessionDenied  = "session_denied"
	EventKindSessionRevoked = "session_revoked"
	EventKindLockTriggered  = "lockout_triggered"
	EventKindLockCleared    = "lockout_cleared"
	EventKindAdminUnlock    = "lockout_admin_unlock"
	EventKindPasswordChange = "password_changed"
	EventKindAnomalyFound   = "anomaly_detected"
)

// Severity levels
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent is an immutable security event. Events are append-only and are
// never mutated after Record accepts them.
type AuditEvent struct {
	ID        uuid.UUID `db:"id"`
	Timestamp time.Time `db:"event_time"`
	Identity  *string   `db:"identity"`
	Origin    string    `db:"origin"`
	Kind      string    `db:"kind"`
	Severity  string    `db:"severity"`
	Outcome   string    `db:"outcome"`
	Detail    DetailMap `db:"detail"`
}

// DetailMap holds free-form event context
type DetailMap map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (dm *DetailMap) Scan(value interface{}) error {
	if value == nil {
		*dm = make(DetailMap)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*dm = DetailMap(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (dm DetailMap) Value() (driver.Value, error) {
	if dm == nil {
		return nil, nil
	}
	return json.Marshal(dm)
}

// TimeRange bounds a query or analysis window. From is inclusive, To exclusive.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.From) && t.Before(tr.To)
}

// EventFilter narrows an audit query
type EventFilter struct {
	Identity *string
	Origin   *string
	Kinds    []string
	Severity *string
	Outcome  *string
	Limit    int
}

// Anomaly pattern kinds
const (
	PatternBruteForce         = "brute_force"
	PatternCredentialStuffing = "credential_stuffing"
	PatternSessionAnomaly     = "session_anomaly"
)

// AnomalyFinding is derived from audit events by the anomaly scanner.
// Findings are advisory, not enforcement actions.
type AnomalyFinding struct {
	Pattern    string
	Window     TimeRange
	Identity   string
	Origin     string
	EventIDs   []uuid.UUID
	Confidence float64
	Severity   string
}

// FailureCount pairs a subject (identity or origin) with its failure tally
type FailureCount struct {
	Subject string `json:"subject"`
	Count   int    `json:"count"`
}

// SecurityReport aggregates audit events over a time range
type SecurityReport struct {
	Range                TimeRange      `json:"-"`
	TotalEvents          int            `json:"total_events"`
	CountsByKind         map[string]int `json:"counts_by_kind"`
	CountsBySeverity     map[string]int `json:"counts_by_severity"`
	TopFailingIdentities []FailureCount `json:"top_failing_identities"`
	TopFailingOrigins    []FailureCount `json:"top_failing_origins"`
	CriticalEvents       []*AuditEvent  `json:"critical_events"`
}
